package app

import (
	"context"
	"time"

	"github.com/maanworks/coedit/src/coedit/controller/chat"
	"github.com/maanworks/coedit/src/coedit/controller/docstore"
	"github.com/maanworks/coedit/src/coedit/controller/membership"
	"github.com/maanworks/coedit/src/coedit/controller/presence"
	"github.com/maanworks/coedit/src/coedit/controller/workspace"
	"github.com/maanworks/coedit/src/coedit/gateway/client"
	"github.com/maanworks/coedit/src/coedit/handler/collab"
	"github.com/maanworks/coedit/src/coedit/internal/clock"
	"github.com/maanworks/coedit/src/coedit/internal/core"
	"github.com/maanworks/coedit/src/coedit/internal/executor"
	"github.com/maanworks/coedit/src/coedit/internal/fs"
	"github.com/maanworks/coedit/src/coedit/internal/wsfx"
	projectrepo "github.com/maanworks/coedit/src/coedit/repository/project"
	sessionrepo "github.com/maanworks/coedit/src/coedit/repository/session"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
)

// Module defines the coedit server application module.
var Module = fx.Options(
	client.Module, // outbounds
	collab.Module, // inbounds
	wsfx.Module,
	fs.Module,
	executor.Module,
	clock.Module,
	core.ConfigModule,
	core.LoggerModule,
	sessionrepo.Module,
	projectrepo.Module,
	docstore.Module,
	presence.Module,
	chat.Module,
	membership.Module,
	workspace.Module,
	workspace.WatcherModule,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "coedit-server",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
)
