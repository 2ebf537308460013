package eventflow_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhi-oss/eventflow"
)

type stringerName struct{ id int }

func (s stringerName) String() string { return fmt.Sprintf("handler-%d", s.id) }

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		name    string
		in      interface{}
		want    string
		wantErr bool
	}{
		{name: "string passthrough", in: "projector", want: "projector"},
		{name: "stringer", in: stringerName{id: 7}, want: "handler-7"},
		{name: "int via fmt.Sprint", in: 42, want: "42"},
		{name: "nil is empty and errors", in: nil, wantErr: true},
		{name: "empty string errors", in: "", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eventflow.NormalizeName(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolve_RequiresApplication(t *testing.T) {
	_, err := eventflow.Resolve(eventflow.NewOptions("", "projector"), eventflow.Callbacks{}, eventflow.Eventual)
	require.Error(t, err)
	var cfgErr *eventflow.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolve_DefaultsConsistencyToProcessDefault(t *testing.T) {
	r, err := eventflow.Resolve(eventflow.NewOptions("bank", "projector"), eventflow.Callbacks{}, eventflow.Strong)
	require.NoError(t, err)
	assert.Equal(t, eventflow.Strong, r.Consistency)
}

func TestResolve_DefaultsConsistencyToEventualWhenProcessDefaultUnset(t *testing.T) {
	r, err := eventflow.Resolve(eventflow.NewOptions("bank", "projector"), eventflow.Callbacks{}, "")
	require.NoError(t, err)
	assert.Equal(t, eventflow.Eventual, r.Consistency)
}

func TestResolve_ExplicitConsistencyOverridesProcessDefault(t *testing.T) {
	opts := eventflow.NewOptions("bank", "projector", eventflow.WithConsistency(eventflow.Strong))
	r, err := eventflow.Resolve(opts, eventflow.Callbacks{}, eventflow.Eventual)
	require.NoError(t, err)
	assert.Equal(t, eventflow.Strong, r.Consistency)
}

func TestResolve_RejectsUnknownConsistency(t *testing.T) {
	opts := eventflow.NewOptions("bank", "projector", eventflow.WithConsistency(eventflow.Consistency("sideways")))
	_, err := eventflow.Resolve(opts, eventflow.Callbacks{}, eventflow.Eventual)
	require.Error(t, err)
}

func TestResolve_DefaultsStartFromAndStream(t *testing.T) {
	r, err := eventflow.Resolve(eventflow.NewOptions("bank", "projector"), eventflow.Callbacks{}, eventflow.Eventual)
	require.NoError(t, err)
	assert.True(t, r.StartFrom.IsOrigin())
	assert.True(t, r.Stream.All)
}

func TestResolve_RunsInitConfigHook(t *testing.T) {
	var seenApp string
	cb := eventflow.Callbacks{
		InitConfig: func(cfg map[string]interface{}) (map[string]interface{}, error) {
			seenApp, _ = cfg["application"].(string)
			return cfg, nil
		},
	}

	_, err := eventflow.Resolve(eventflow.NewOptions("bank", "projector"), cb, eventflow.Eventual)
	require.NoError(t, err)
	assert.Equal(t, "bank", seenApp)
}
