package main

import (
	"context"
	"log"
	"os"
	"slices"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/flagx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/config"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/vaultctl"
)

func main() {
	cfg := config.LoadConfig()

	cmd := vaultctl.NewRootCommand(&vaultctl.Env{Config: cfg})
	// server flags were consumed by LoadConfig
	cmd.SetArgs(flagx.ExcludeArgs(os.Args[1:], slices.Concat(config.Flags, flagx.ConfigFlags)))

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
