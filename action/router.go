// Package action routes incoming Actions to either the Process Executor
// (when a matching local tool exists) or the Bridge (to be forwarded to
// the connected device), and publishes whichever ActionResponse results
// back out over the transport's action-status topic.
package action

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Jagannathes/uplink/actions"
	"github.com/Jagannathes/uplink/bridge"
	"github.com/Jagannathes/uplink/executor"
	"github.com/Jagannathes/uplink/transport"
)

// Router subscribes to the cloud's Action stream and dispatches each one.
type Router struct {
	client      transport.Client
	executor    *executor.Executor
	bridge      *bridge.Bridge
	toolsDir    string
	statusTopic string
}

// New returns a Router that looks for a tool named after an Action's Kind
// under toolsDir before falling back to forwarding the Action to whatever
// device is connected to bridge. Responses are published to statusTopic.
func New(client transport.Client, ex *executor.Executor, br *bridge.Bridge, toolsDir, statusTopic string) *Router {
	return &Router{client: client, executor: ex, bridge: br, toolsDir: toolsDir, statusTopic: statusTopic}
}

// Run subscribes to actionsTopic and dispatches every Action received on
// it until ctx is cancelled or the subscription ends.
func (r *Router) Run(ctx context.Context, actionsTopic string) error {
	ch, err := r.client.Subscribe(ctx, actionsTopic)
	if err != nil {
		return errors.Wrap(err, "action: subscribe")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return errors.New("action: subscription closed")
			}
			go r.dispatch(ctx, raw)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, raw []byte) {
	var a actions.Action
	if err := json.Unmarshal(raw, &a); err != nil {
		log.WithError(err).Warn("action: unparseable action")
		return
	}

	if _, err := os.Stat(filepath.Join(r.toolsDir, a.Kind)); err == nil {
		r.publish(actions.New(a.ID, actions.StateRunning))
		if err := r.executor.Execute(ctx, a.ID, a.Kind, a.Payload, r.publish); err != nil {
			log.WithError(err).WithField("id", a.ID).Warn("action: local execution failed")
		}
		return
	}

	resp, err := r.bridge.SendAction(ctx, a)
	if err != nil {
		r.publish(actions.Failure(a.ID, err.Error()))
		return
	}
	r.publish(resp)
}

func (r *Router) publish(resp *actions.ActionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Warn("action: marshal response")
		return
	}
	if err := r.client.TryPublish(r.statusTopic, payload); err != nil {
		log.WithError(err).WithField("id", resp.ID).Warn("action: publish response")
	}
}
