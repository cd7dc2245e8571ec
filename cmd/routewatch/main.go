// Command routewatch follows a route's live events over WebSocket and can
// post a stop progress update to watch it arrive.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func main() {
	base := flag.String("addr", "http://localhost:8080", "API base URL")
	business := flag.String("business", "", "business id (X-Business-Id)")
	routeID := flag.String("route", "", "route id to follow")
	progress := flag.String("progress", "", "optional taskId:status update to post once connected")
	wait := flag.Duration("wait", 0, "stop after this long; 0 runs until interrupted")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if *business == "" || *routeID == "" {
		flag.Usage()
		os.Exit(2)
	}

	u, err := url.Parse(*base)
	if err != nil {
		log.Fatal().Err(err).Msg("parse addr")
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/v1/routes/" + url.PathEscape(*routeID) + "/events/ws"

	hdr := http.Header{}
	hdr.Set("X-Business-Id", *business)
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		if resp != nil {
			log.Fatal().Err(err).Int("status", resp.StatusCode).Msg("dial")
		}
		log.Fatal().Err(err).Msg("dial")
	}
	defer func() { _ = c.Close() }()
	log.Info().Str("route", *routeID).Msg("connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt event
			if err := c.ReadJSON(&evt); err != nil {
				log.Info().Err(err).Msg("stream closed")
				return
			}
			log.Info().Str("type", evt.Type).Interface("data", evt.Data).Msg("event")
		}
	}()

	if *progress != "" {
		if err := postProgress(*base, *business, *routeID, *progress); err != nil {
			log.Error().Err(err).Msg("progress")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	var timeout <-chan time.Time
	if *wait > 0 {
		timeout = time.After(*wait)
	}
	select {
	case <-done:
	case <-stop:
	case <-timeout:
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func postProgress(base, business, routeID, spec string) error {
	taskID, status, ok := strings.Cut(spec, ":")
	if !ok || taskID == "" || status == "" {
		return fmt.Errorf("progress must be taskId:status, got %q", spec)
	}
	body, err := json.Marshal(map[string]string{"taskId": taskID, "status": status})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/v1/routes/"+url.PathEscape(routeID)+"/progress", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Business-Id", business)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	log.Info().Str("task", taskID).Str("status", status).Msg("progress posted")
	return nil
}
