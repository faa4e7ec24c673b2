package main

import (
	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/migration"
	"github.com/beneplus/beneflow/internal/server"
	"github.com/beneplus/beneflow/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
