package engine

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/aps"
)

// Caller performs one request/reply round trip with a remote engine.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Bridge is an Engine running in another process, reached through Caller.
// Transport failures are logged and reported as an empty result.
type Bridge struct {
	rpc    Caller
	logger logr.Logger
}

// NewBridge creates a Bridge.
func NewBridge(rpc Caller, logger logr.Logger) *Bridge {
	return &Bridge{rpc: rpc, logger: logger.WithName("engine")}
}

type buildProfilesRequest struct {
	UseAutotune bool `json:"use_autotune"`
}

type determineRequest struct {
	CurrentTemp aps.TempBasal `json:"current_temp"`
	Clock       time.Time     `json:"clock"`
}

// BuildProfiles implements Engine.
func (b *Bridge) BuildProfiles(ctx context.Context, useAutotune bool) *Profile {
	var p *Profile
	if err := b.rpc.Call(ctx, "build_profiles", buildProfilesRequest{UseAutotune: useAutotune}, &p); err != nil {
		b.logger.Error(err, "Failed to build profiles")
		return nil
	}
	return p
}

// RecomputeSensitivity implements Engine.
func (b *Bridge) RecomputeSensitivity(ctx context.Context) *Sensitivity {
	var s *Sensitivity
	if err := b.rpc.Call(ctx, "recompute_sensitivity", nil, &s); err != nil {
		b.logger.Error(err, "Failed to recompute sensitivity")
		return nil
	}
	return s
}

// Autotune implements Engine.
func (b *Bridge) Autotune(ctx context.Context) *Autotune {
	var a *Autotune
	if err := b.rpc.Call(ctx, "autotune", nil, &a); err != nil {
		b.logger.Error(err, "Failed to run autotune")
		return nil
	}
	return a
}

// Determine implements Engine.
func (b *Bridge) Determine(ctx context.Context, currentTemp aps.TempBasal, clock time.Time) *aps.Suggestion {
	var s *aps.Suggestion
	req := determineRequest{CurrentTemp: currentTemp, Clock: clock}
	if err := b.rpc.Call(ctx, "determine", req, &s); err != nil {
		b.logger.Error(err, "Failed to determine basal")
		return nil
	}
	return s
}

// Verify interface compliance
var _ Engine = (*Bridge)(nil)
