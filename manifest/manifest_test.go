package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/manifest"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handlers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ParsesHandlerDeclarations(t *testing.T) {
	path := writeManifest(t, `
handlers:
  - application: bank
    name: projector
    handler: bank-projector
    stream: "*"
    start_from: origin
    consistency: strong
`)

	m, err := manifest.Load(path)
	require.NoError(t, err)
	require.Len(t, m.Handlers, 1)
	assert.Equal(t, "bank", m.Handlers[0].Application)
	assert.Equal(t, "strong", m.Handlers[0].Consistency)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeManifest(t, `
handlers:
  - application: bank
    name: projector
    handler: bank-projector
    typo_field: oops
`)

	_, err := manifest.Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsDuplicateDeclarations(t *testing.T) {
	path := writeManifest(t, `
handlers:
  - application: bank
    name: projector
    handler: a
  - application: bank
    name: projector
    handler: b
`)

	_, err := manifest.Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownStartFrom(t *testing.T) {
	path := writeManifest(t, `
handlers:
  - application: bank
    name: projector
    handler: a
    start_from: sideways
`)

	_, err := manifest.Load(path)
	require.Error(t, err)
}

func TestHandlerSpec_OptionsBuildsWithStartFromOffset(t *testing.T) {
	spec := manifest.HandlerSpec{
		Application: "bank",
		Name:        "projector",
		Stream:      "ACC123",
		StartFrom:   "offset",
		Offset:      41,
		Consistency: "strong",
	}

	opts := spec.Options()
	r, err := eventflow.Resolve(opts, eventflow.Callbacks{}, eventflow.Eventual)
	require.NoError(t, err)

	offset, ok := r.StartFrom.Offset()
	require.True(t, ok)
	assert.Equal(t, int64(41), offset)
	assert.Equal(t, "ACC123", r.Stream.Stream)
	assert.Equal(t, eventflow.Strong, r.Consistency)
}

func TestRegistry_BuildResolvesFactoryByName(t *testing.T) {
	called := false
	r := manifest.Registry{
		"bank-projector": func(spec manifest.HandlerSpec) (eventflow.Callbacks, error) {
			called = true
			return eventflow.Callbacks{}, nil
		},
	}

	_, err := r.Build(manifest.HandlerSpec{Handler: "bank-projector"})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRegistry_BuildErrorsOnUnknownHandler(t *testing.T) {
	r := manifest.Registry{}
	_, err := r.Build(manifest.HandlerSpec{Handler: "missing"})
	require.Error(t, err)
}
