package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/facility"
)

// Param keys shared with the stages that build PreRun/PostRun task lists
const (
	ParamResources = "Resources"
	ParamExclusive = "Exclusive"
	ParamAvailable = "Available"
	PeerIDKey      = "PeerId"
)

// coordinate sets up the remote side of a distributed experiment. On the
// coordinating side it asks the configured peer to start its half; on the
// peer side it only records who coordinates it.
func coordinate(ctx context.Context, t *Task) error {
	descriptor := t.host.Descriptor()
	if !descriptor.Distributed() {
		t.Log(slog.LevelInfo, "Not a distributed experiment, skipping coordination.")
		return nil
	}

	services := t.host.Services()
	if services == nil || !services.EastWest.Enabled {
		return errors.New("unable to run distributed experiment while East/West interface is disabled")
	}

	if !descriptor.IsRemoteMaster() {
		peer, ok := descriptor.Extra[PeerIDKey]
		if !ok {
			t.Log(slog.LevelWarn, "Peer execution id not known yet")
			return nil
		}
		id, err := toExecutionID(peer)
		if err != nil {
			return fmt.Errorf("invalid %s %v: %w", PeerIDKey, peer, err)
		}
		t.host.SetRemote(nil, id)
		return nil
	}

	name := descriptor.Remote
	remote, ok := services.EastWest.Remotes[name]
	if !ok || remote.Host == "" {
		return fmt.Errorf("unknown remote '%s'", name)
	}
	if services.Dial == nil {
		return errors.New("no remote dialer configured")
	}
	api := services.Dial(remote.Host, remote.Port)

	peerDescriptor := *descriptor.RemoteDescriptor
	peerDescriptor.Extra = make(map[string]any, len(descriptor.RemoteDescriptor.Extra)+1)
	for k, v := range descriptor.RemoteDescriptor.Extra {
		peerDescriptor.Extra[k] = v
	}
	peerDescriptor.Extra[PeerIDKey] = int64(t.host.ExecutionID())

	t.Log(slog.LevelInfo, "Sending execution request to remote '%s'", name)
	id, err := api.Run(ctx, &peerDescriptor)
	if err != nil {
		return fmt.Errorf("unable to retrieve Execution ID from remote '%s': %w", name, err)
	}
	t.host.SetRemote(api, id)
	t.Log(slog.LevelInfo, "Remote Execution ID received.")
	t.Publish("RemoteId", int64(id))

	if err := api.SendPeerDetails(ctx, id, t.host.ExecutionID()); err != nil {
		t.Log(slog.LevelWarn, "Could not send peer details to remote '%s': %v", name, err)
	}
	return nil
}

func toExecutionID(v any) (domain.ExecutionID, error) {
	p := Params{"v": v}
	f := p.Float("v")
	if f <= 0 {
		return 0, errors.New("not a positive number")
	}
	return domain.ExecutionID(f), nil
}

// checkAvailable tries once to lock the requested resources and publishes
// the outcome under Available. A request naming unknown resources can never
// succeed and fails the task.
func checkAvailable(ctx context.Context, t *Task) error {
	services := t.host.Services()
	if services == nil || services.Resources == nil {
		return errors.New("no resource registry configured")
	}
	ids := t.Params.Strings(ParamResources)
	exclusive := t.Params.Bool(ParamExclusive)

	if err := services.Resources.Feasible(ids); err != nil {
		t.Verdict = domain.VerdictError
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	available := services.Resources.TryLockResources(ids, t.host.ExecutionID(), exclusive)
	if available {
		t.Log(slog.LevelInfo, "Resources granted: %v (exclusive: %v)", ids, exclusive)
	} else {
		t.Log(slog.LevelDebug, "Resources not available: %v", ids)
	}
	t.Publish(ParamAvailable, available)
	return nil
}

// releaseResources gives back everything the execution requested
func releaseResources(_ context.Context, t *Task) error {
	services := t.host.Services()
	if services == nil || services.Resources == nil {
		return errors.New("no resource registry configured")
	}
	ids := t.Params.Strings(ParamResources)
	services.Resources.ReleaseResources(ids, t.host.ExecutionID())
	t.Log(slog.LevelInfo, "Released resources: %v", ids)
	return nil
}

// IsInfeasible reports whether err means the requested resources can never
// be granted
func IsInfeasible(err error) bool {
	return errors.Is(err, facility.ErrUnknownResource)
}
