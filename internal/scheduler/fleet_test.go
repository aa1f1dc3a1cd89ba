// Copyright 2025 The Opsforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/protocol"
	"github.com/opsforge/opsforge/internal/store"
)

type fleetFixtureStore struct {
	runners    map[string]*store.Runner
	heartbeats []string
	swept      int64
	sweepErr   error
}

func newFleetFixtureStore() *fleetFixtureStore {
	return &fleetFixtureStore{runners: map[string]*store.Runner{}}
}

func (f *fleetFixtureStore) UpsertRunner(_ context.Context, r *store.Runner) error {
	r.CurrentJobs = 0
	f.runners[r.Name] = r
	return nil
}

func (f *fleetFixtureStore) GetRunner(_ context.Context, name string) (*store.Runner, error) {
	r, ok := f.runners[name]
	if !ok {
		return nil, apperror.NotFound("runner")
	}
	return r, nil
}

func (f *fleetFixtureStore) RecordHeartbeat(_ context.Context, hb *protocol.RunnerHeartbeat) error {
	if _, ok := f.runners[hb.Name]; !ok {
		return apperror.NotFound("runner")
	}
	f.heartbeats = append(f.heartbeats, hb.Name)
	return nil
}

func (f *fleetFixtureStore) MarkStaleRunnersOffline(_ context.Context) (int64, error) {
	return f.swept, f.sweepErr
}

type fleetQueues struct {
	declared []string
	err      error
}

func (q *fleetQueues) DeclareRunnerQueue(name string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.declared = append(q.declared, name)
	return "runner." + name + ".queue", nil
}

type fleetResolver struct {
	cfg protocol.DockerConfig
	err error

	lastRunner string
	lastCaps   []string
}

func (r *fleetResolver) ResolveFor(_ context.Context, runnerName string, capabilities []string) (protocol.DockerConfig, error) {
	r.lastRunner = runnerName
	r.lastCaps = capabilities
	return r.cfg, r.err
}

type fleetPublisher struct {
	published []*protocol.RunnerConfigMessage
	err       error
}

func (p *fleetPublisher) PublishConfig(_ context.Context, msg *protocol.RunnerConfigMessage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

type fleetFixture struct {
	fleet    *Fleet
	store    *fleetFixtureStore
	queues   *fleetQueues
	resolver *fleetResolver
	pub      *fleetPublisher
}

func newFleetFixture() *fleetFixture {
	f := &fleetFixture{
		store:    newFleetFixtureStore(),
		queues:   &fleetQueues{},
		resolver: &fleetResolver{cfg: protocol.DockerConfig{Enabled: true}},
		pub:      &fleetPublisher{},
	}
	f.fleet = NewFleet(f.store, f.queues, f.resolver, f.pub,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.fleet.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func registrationDelivery(t *testing.T, msg protocol.RunnerRegistration) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func heartbeatDelivery(t *testing.T, msg protocol.RunnerHeartbeat) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestRegisterUpsertsRunnerAndDeclaresQueue(t *testing.T) {
	f := newFleetFixture()
	handler := f.fleet.RegisterHandler()

	err := handler(context.Background(), registrationDelivery(t, protocol.RunnerRegistration{
		Name:              "runner-a",
		Capabilities:      []string{"node", "docker"},
		DockerSupported:   true,
		MaxConcurrentJobs: 4,
		OS:                "linux",
		Arch:              "amd64",
	}))
	require.NoError(t, err)

	r := f.store.runners["runner-a"]
	require.NotNil(t, r)
	assert.Equal(t, store.RunnerOnline, r.Status)
	assert.Equal(t, 4, r.MaxConcurrentJobs)
	assert.Equal(t, 0, r.CurrentJobs)
	assert.Equal(t, []string{"runner-a"}, f.queues.declared)
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFleetFixture()
	handler := f.fleet.RegisterHandler()

	msg := protocol.RunnerRegistration{Name: "runner-a", MaxConcurrentJobs: 2}
	require.NoError(t, handler(context.Background(), registrationDelivery(t, msg)))

	// simulate load, then a re-registration after restart
	f.store.runners["runner-a"].CurrentJobs = 2
	require.NoError(t, handler(context.Background(), registrationDelivery(t, msg)))
	assert.Equal(t, 0, f.store.runners["runner-a"].CurrentJobs)
}

func TestRegisterDefaultsMaxJobs(t *testing.T) {
	f := newFleetFixture()
	handler := f.fleet.RegisterHandler()

	require.NoError(t, handler(context.Background(),
		registrationDelivery(t, protocol.RunnerRegistration{Name: "runner-a"})))
	assert.Equal(t, 1, f.store.runners["runner-a"].MaxConcurrentJobs)
}

func TestRegisterRejectsAnonymous(t *testing.T) {
	f := newFleetFixture()
	handler := f.fleet.RegisterHandler()

	err := handler(context.Background(),
		registrationDelivery(t, protocol.RunnerRegistration{}))
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.Empty(t, f.queues.declared)
}

func TestHeartbeatAnswersWithConfig(t *testing.T) {
	f := newFleetFixture()
	require.NoError(t, f.fleet.RegisterHandler()(context.Background(),
		registrationDelivery(t, protocol.RunnerRegistration{
			Name:         "runner-a",
			Capabilities: []string{"node"},
		})))

	handler := f.fleet.HeartbeatHandler()
	err := handler(context.Background(), heartbeatDelivery(t, protocol.RunnerHeartbeat{
		Name:        "runner-a",
		CurrentJobs: 1,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"runner-a"}, f.store.heartbeats)
	assert.Equal(t, "runner-a", f.resolver.lastRunner)
	assert.Equal(t, []string{"node"}, f.resolver.lastCaps)

	require.Len(t, f.pub.published, 1)
	msg := f.pub.published[0]
	assert.Equal(t, "runner-a", msg.RunnerName)
	assert.True(t, msg.Config.Enabled)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), msg.Timestamp)
}

func TestHeartbeatFromUnknownRunnerIsDropped(t *testing.T) {
	f := newFleetFixture()
	handler := f.fleet.HeartbeatHandler()

	// registration may still be in flight; no error, no requeue
	err := handler(context.Background(), heartbeatDelivery(t, protocol.RunnerHeartbeat{
		Name: "stranger",
	}))
	require.NoError(t, err)
	assert.Empty(t, f.pub.published)
}

func TestHeartbeatSurvivesResolverFailure(t *testing.T) {
	f := newFleetFixture()
	require.NoError(t, f.fleet.RegisterHandler()(context.Background(),
		registrationDelivery(t, protocol.RunnerRegistration{Name: "runner-a"})))

	f.resolver.err = assert.AnError
	err := f.fleet.HeartbeatHandler()(context.Background(),
		heartbeatDelivery(t, protocol.RunnerHeartbeat{Name: "runner-a"}))
	require.NoError(t, err)
	assert.Empty(t, f.pub.published)
}

func TestHeartbeatBadPayload(t *testing.T) {
	f := newFleetFixture()
	err := f.fleet.HeartbeatHandler()(context.Background(), amqp.Delivery{Body: []byte("{")})
	assert.Error(t, err)
}
