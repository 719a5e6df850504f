package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"meshcall/pkg/log"
	"meshcall/pkg/relay"

	"github.com/spf13/pflag"
)

func main() {
	var (
		listen  string
		secret  string
		issue   string
		ttl     time.Duration
		verbose bool
	)

	pflag.StringVarP(&listen, "listen", "l", ":8080", "Address to serve the relay on")
	pflag.StringVarP(&secret, "secret", "k", os.Getenv("MESHCALL_RELAY_SECRET"), "HS256 secret for participant tokens")
	pflag.StringVarP(&issue, "issue", "i", "", "Print a token for this participant address and exit")
	pflag.DurationVar(&ttl, "ttl", 24*time.Hour, "Lifetime of issued tokens")
	pflag.BoolVarP(&verbose, "verbose", "V", false, "Trace level logging")
	pflag.Parse()

	log.SetupLogger(verbose)

	if len(secret) == 0 {
		log.Fatal("relay secret is required (--secret or MESHCALL_RELAY_SECRET)")
	}

	if len(issue) != 0 {
		token, err := relay.IssueToken([]byte(secret), issue, ttl)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(token)

		return
	}

	srv, err := relay.NewServer(relay.ServerConfig{Secret: []byte(secret)})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx, listen); err != nil {
		log.Fatal(err)
	}
}
