package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gitulabs/governor/internal/clock"
	"github.com/gitulabs/governor/internal/config"
	"github.com/gitulabs/governor/internal/migration"
	"github.com/gitulabs/governor/internal/observability"
	"github.com/gitulabs/governor/internal/server"
	"github.com/gitulabs/governor/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional domains, HTTP surface included
		server.Module,
		migration.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
