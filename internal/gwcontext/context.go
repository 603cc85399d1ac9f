// Package gwcontext holds the gateway process's component handles in a
// single struct built once at startup, after the components themselves, and
// handed to the daemon's discovery and gRPC setup code. Components receive
// their collaborators as individual constructor parameters; none is read
// from a package-level global (§9's no-globals design note). The shape — one struct of long-lived
// collaborators passed by pointer — is grounded on the teacher's
// pkg/manager.Manager, which plays the same role for the control plane's
// own components.
package gwcontext

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/config"
	"github.com/cuemby/nvmeof-gw/internal/credentials"
	"github.com/cuemby/nvmeof-gw/internal/ha"
	"github.com/cuemby/nvmeof-gw/internal/health"
	"github.com/cuemby/nvmeof-gw/internal/monitor"
	"github.com/cuemby/nvmeof-gw/internal/objectstore"
	"github.com/cuemby/nvmeof-gw/internal/reconciler"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"
)

// Context bundles every component a gateway process runs for the lifetime
// of the daemon.
type Context struct {
	Config      config.Config
	Logger      zerolog.Logger
	Health      *health.Status
	ObjectStore objectstore.Client
	StateMap    *statemap.Store
	Engine      *tgt.Adapter
	Credentials *credentials.Manager
	HA          *ha.Machine
	Reconciler  *reconciler.Reconciler
	Monitor     *monitor.Client
}
