// egresscheck probes every egress identity of an owner and reports whether
// traffic leaves through it, with the address the far end observed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/db"
	"github.com/pysugar/marketrelay/internal/egress"
	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/sirupsen/logrus"
)

func main() {
	owner := flag.String("owner", os.Getenv("EGRESS_OWNER"), "user whose identities are probed")
	target := flag.String("target", "https://api.ipify.org?format=json", "URL that echoes the caller address")
	timeout := flag.Duration("timeout", 10*time.Second, "per-identity timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if *owner == "" {
		log.Fatal("-owner (or EGRESS_OWNER) is required")
	}

	database, err := db.InitDB(cfg.DatabaseDriver, cfg.DatabaseDSN, false, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	transports := egress.NewTransports(*timeout)
	reg := egress.NewRegistry(database, transports, log, nil)

	ctx := context.Background()
	identities, err := reg.List(ctx, *owner)
	if err != nil {
		log.WithError(err).Fatal("Failed to list egress identities")
	}
	if len(identities) == 0 {
		log.WithField("owner", *owner).Warn("no egress identities")
		return
	}

	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("EGRESS CHECK  owner=%s  target=%s\n", *owner, *target)
	fmt.Println(strings.Repeat("=", 72))

	failed := 0
	for i := range identities {
		e := &identities[i]
		res := probe(ctx, transports, e, *target)
		if !res.OK() {
			failed++
		}
		fmt.Println(res.Line(e))
	}

	log.WithFields(logrus.Fields{"checked": len(identities), "failed": failed}).Info("egress check finished")
	if failed > 0 {
		os.Exit(2)
	}
}
