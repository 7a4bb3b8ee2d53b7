package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/buildinfo"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/cli"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	c, err := cli.New(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := c.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
