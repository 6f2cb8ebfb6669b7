package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"i-vis/internal/cli"
)

// main 是 ivis 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
