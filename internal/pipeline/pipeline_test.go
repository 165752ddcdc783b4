package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder returns a stage that appends its name to the dataset chain.
func recorder(name string) Stage {
	return Named(name, func(_ context.Context, c Context) (Context, error) {
		return c.WithDataset(Dataset{Name: name, Handle: "mem://" + name}), nil
	})
}

func failing(name string, err error) Stage {
	return Named(name, func(context.Context, Context) (Context, error) {
		return Context{}, err
	})
}

func datasetNames(c Context) []string {
	var out []string
	for _, d := range c.Datasets {
		out = append(out, d.Name)
	}
	return out
}

func profileStages(p *Profile) []string {
	var out []string
	for _, e := range p.Entries() {
		out = append(out, e.Stage)
	}
	return out
}

func TestRunExecutesInOrder(t *testing.T) {
	stages := []Stage{recorder("compute"), recorder("enrich"), recorder("mask")}
	out, err := Run(context.Background(), Context{RawFile: RawFile{ID: "/raw/a.raw"}}, stages)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"compute", "enrich", "mask"}, datasetNames(out)); diff != "" {
		t.Errorf("dataset chain mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "mask", out.StageReached())
	assert.Equal(t, []string{"compute", "enrich", "mask"}, profileStages(out.Profile))
	assert.Equal(t, "/raw/a.raw", out.RawFile.ID)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("detector crashed")
	ran := false
	stages := []Stage{
		recorder("compute"),
		recorder("enrich"),
		failing("detect", boom),
		Named("aggregate", func(_ context.Context, c Context) (Context, error) {
			ran = true
			return c, nil
		}),
	}

	out, err := Run(context.Background(), Context{}, stages)
	require.Error(t, err)
	assert.False(t, ran, "stages after a failure must not run")

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "detect", se.Stage)
	assert.Equal(t, 2, se.Index)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "stage detect: detector crashed", err.Error())

	// The partial context is the one the last successful stage returned.
	assert.Equal(t, []string{"compute", "enrich"}, datasetNames(out))
	assert.Equal(t, "enrich", out.StageReached())

	// The failing stage is profiled too.
	entries := out.Profile.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "detect", entries[2].Stage)
	assert.Equal(t, "detector crashed", entries[2].Error)
}

func TestRunRecoversPanics(t *testing.T) {
	stages := []Stage{
		recorder("compute"),
		Named("regrid", func(context.Context, Context) (Context, error) {
			var m map[string]int
			m["boom"]++
			return Context{}, nil
		}),
	}

	out, err := Run(context.Background(), Context{}, stages)
	require.ErrorIs(t, err, ErrStagePanic)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "regrid", se.Stage)
	assert.Equal(t, "compute", out.StageReached())
	assert.Equal(t, 2, out.Profile.Len())
}

func TestRunFailureAtFirstStage(t *testing.T) {
	out, err := Run(context.Background(), Context{}, []Stage{failing("compute", ErrInputUnusable)})
	require.ErrorIs(t, err, ErrInputUnusable)
	assert.Equal(t, "", out.StageReached())
	assert.Equal(t, 1, out.Profile.Len())
}

func TestRunKeepsProfileWhenStageDropsIt(t *testing.T) {
	profile := NewProfile()
	stages := []Stage{
		Named("compute", func(context.Context, Context) (Context, error) {
			return Context{Products: Products{Echogram: &Echogram{Pings: 10}}}, nil
		}),
		recorder("enrich"),
	}
	out, err := Run(context.Background(), Context{Profile: profile, RawFile: RawFile{ID: "x"}}, stages)
	require.NoError(t, err)
	assert.Same(t, profile, out.Profile)
	assert.Equal(t, "x", out.RawFile.ID)
	assert.Equal(t, 10, out.Products.Echogram.Pings)
}

func TestRunHonoursCancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := []Stage{
		Named("compute", func(_ context.Context, c Context) (Context, error) {
			cancel()
			return c, nil
		}),
		recorder("enrich"),
	}
	out, err := Run(ctx, Context{}, stages)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "compute", out.StageReached())
	assert.Equal(t, 1, out.Profile.Len(), "a stage that never started is not profiled")
}

func TestProfileIsAppendOnly(t *testing.T) {
	stages := []Stage{
		Named("compute", func(_ context.Context, c Context) (Context, error) {
			time.Sleep(2 * time.Millisecond)
			return c, nil
		}),
		recorder("enrich"),
		failing("mask", errors.New("mask failed")),
	}
	out, _ := Run(context.Background(), Context{}, stages)

	first := out.Profile.Entries()
	first[0].Stage = "tampered"
	again := out.Profile.Entries()
	assert.Equal(t, "compute", again[0].Stage, "Entries returns a copy")
	assert.GreaterOrEqual(t, len(again), len(first))
	for i, e := range again {
		assert.Equal(t, i, e.Index)
	}
	assert.GreaterOrEqual(t, out.Profile.Total(), 2*time.Millisecond)
}

func TestWithDatasetDoesNotAlias(t *testing.T) {
	base := Context{Datasets: make([]Dataset, 1, 4)}
	a := base.WithDataset(Dataset{Name: "a"})
	b := base.WithDataset(Dataset{Name: "b"})
	assert.Equal(t, "a", a.Datasets[1].Name)
	assert.Equal(t, "b", b.Datasets[1].Name)

	last, ok := b.LastDataset()
	require.True(t, ok)
	assert.Equal(t, "b", last.Name)
	_, ok = Context{}.LastDataset()
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, name := range DefaultOrder {
		require.NoError(t, r.Register(recorder(name)))
	}
	require.Error(t, r.Register(recorder("compute")), "duplicate names are rejected")
	require.Error(t, r.Register(recorder("")))

	stages, err := r.Resolve([]string{"compute", "detect", "export"})
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "detect", stages[1].Name())

	_, err = r.Resolve([]string{"compute", "shoal-magic"})
	assert.ErrorContains(t, err, "unknown stage")
	assert.ErrorContains(t, err, "registered: aggregate, compute", "the error lists what can be configured")
	_, err = r.Resolve([]string{"compute", "compute"})
	assert.ErrorContains(t, err, "listed twice")
	_, err = r.Resolve(nil)
	assert.Error(t, err)

	assert.Len(t, r.Names(), len(DefaultOrder))
}
