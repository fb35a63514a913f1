// Command buspeer connects to a nodebus hub, prints the events it subscribes
// to and optionally publishes one event.
//
//	buspeer -url ws://localhost:8080/bus -sub chat.message,chat.join
//	buspeer -url ws://localhost:8080/bus -pub chat.message -payload '[{"text":"hi"}]'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"nodebus/internal/bus"
	"nodebus/internal/logging"
	"nodebus/internal/peer"
	"nodebus/internal/transport/ws"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/bus", "hub websocket url")
	subs := flag.String("sub", "", "comma separated event names to subscribe to")
	pub := flag.String("pub", "", "event name to publish once connected")
	payload := flag.String("payload", "[]", "JSON payload for -pub; a non-array value is wrapped")
	reconnect := flag.Bool("reconnect", true, "redial when the connection drops")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.Init(*level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := ws.NewClient(ws.ClientOptions{URL: *url, Reconnect: *reconnect}, nil)
	b := peer.New(client)
	defer b.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := b.Connect(dialCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	for _, name := range strings.Split(*subs, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		b.Subscribe(name, printer(name))
	}

	if *pub != "" {
		args, err := parsePayload(*payload)
		if err != nil {
			log.Fatalf("payload: %v", err)
		}
		if err := b.Publish(*pub, args...); err != nil {
			log.Fatalf("publish: %v", err)
		}
		if *subs == "" {
			return
		}
	}
	<-ctx.Done()
}

func printer(name string) func(payload ...any) {
	return func(payload ...any) {
		b, _ := json.Marshal(payload)
		fmt.Printf("%s %s\n", name, b)
	}
}

func parsePayload(raw string) ([]any, error) {
	var v any
	if err := bus.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}
