package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/aps-controller/internal/aps"
)

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeDetermine(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	assert.Nil(t, f.Determine(ctx, aps.TempBasal{}, clock), "no scripted suggestion")

	f.SetSuggestion(&aps.Suggestion{ID: "s1", Rate: aps.Float(1.2), Duration: aps.Int(30)})
	temp := aps.TempBasal{Rate: 0.5, Duration: 12, Kind: aps.TempAbsolute, Timestamp: clock}
	s := f.Determine(ctx, temp, clock)
	require.NotNil(t, s)
	assert.Equal(t, "s1", s.ID)
	assert.True(t, s.Timestamp.Equal(clock))

	gotTemp, gotClock := f.LastDetermine()
	assert.Equal(t, temp, gotTemp)
	assert.True(t, gotClock.Equal(clock))
	assert.Equal(t, 2, f.Calls("determine"))
}

func TestFakeBuildProfiles(t *testing.T) {
	f := NewFake()

	p := f.BuildProfiles(context.Background(), true)
	require.NotNil(t, p)
	assert.True(t, p.Autotuned)
	assert.True(t, f.LastUseAutotune())

	f.Profile = nil
	assert.Nil(t, f.BuildProfiles(context.Background(), false))
}

type stubCaller struct {
	replies map[string]string
	err     error
	params  map[string]any
}

func (c *stubCaller) Call(_ context.Context, method string, params, result any) error {
	if c.params == nil {
		c.params = make(map[string]any)
	}
	c.params[method] = params
	if c.err != nil {
		return c.err
	}
	return json.Unmarshal([]byte(c.replies[method]), result)
}

func TestBridgeDetermine(t *testing.T) {
	c := &stubCaller{replies: map[string]string{
		"determine": `{"id":"x","rate":0.8,"duration":30,"timestamp":"2026-03-01T12:00:00Z"}`,
	}}
	b := NewBridge(c, logr.Discard())

	temp := aps.TempBasal{Rate: 1, Duration: 20, Kind: aps.TempAbsolute, Timestamp: clock}
	s := b.Determine(context.Background(), temp, clock)
	require.NotNil(t, s)
	assert.Equal(t, 0.8, *s.Rate)
	assert.Equal(t, 30, *s.Duration)
	assert.Equal(t, determineRequest{CurrentTemp: temp, Clock: clock}, c.params["determine"])
}

func TestBridgeNullReplyIsEmpty(t *testing.T) {
	c := &stubCaller{replies: map[string]string{"determine": `null`, "autotune": `null`}}
	b := NewBridge(c, logr.Discard())

	assert.Nil(t, b.Determine(context.Background(), aps.TempBasal{}, clock))
	assert.Nil(t, b.Autotune(context.Background()))
}

func TestBridgeTransportFailureIsEmpty(t *testing.T) {
	b := NewBridge(&stubCaller{err: errors.New("timeout")}, logr.Discard())
	ctx := context.Background()

	assert.Nil(t, b.BuildProfiles(ctx, false))
	assert.Nil(t, b.RecomputeSensitivity(ctx))
	assert.Nil(t, b.Autotune(ctx))
	assert.Nil(t, b.Determine(ctx, aps.TempBasal{}, clock))
}

func TestBridgeBuildProfiles(t *testing.T) {
	c := &stubCaller{replies: map[string]string{
		"build_profiles": `{"current_basal":0.9,"max_basal":2.5,"autotuned":true}`,
	}}
	b := NewBridge(c, logr.Discard())

	p := b.BuildProfiles(context.Background(), true)
	require.NotNil(t, p)
	assert.Equal(t, 0.9, p.CurrentBasal)
	assert.Equal(t, buildProfilesRequest{UseAutotune: true}, c.params["build_profiles"])
}
