// Command emulator simulates a field of accelerometer devices. It registers
// every device with the aggregator, then streams readings over HTTP or MQTT
// at a fixed interval. An optional quake window drives every device well
// above the warning threshold so the detection path can be exercised end to
// end.
//
// Usage:
//
//	go run ./cmd/emulator -devices 10 -quake-after 10s -quake-duration 15s
//	go run ./cmd/emulator -transport mqtt -broker tcp://localhost:1883
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

type options struct {
	target        string
	transport     string
	broker        string
	topicPrefix   string
	devices       int
	lat, lon      float64
	spread        float64
	interval      time.Duration
	quakeAfter    time.Duration
	quakeDuration time.Duration
	quakeMin      float64
	quakeMax      float64
	seed          uint64
}

// publisher delivers one reading.
type publisher interface {
	Publish(ctx context.Context, s sample) error
	Close()
}

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("emulator failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var o options
	flag.StringVar(&o.target, "target", "http://localhost:8080/pipeline/eews", "aggregator API base URL")
	flag.StringVar(&o.transport, "transport", "http", "reading transport: http or mqtt")
	flag.StringVar(&o.broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&o.topicPrefix, "topic-prefix", "eews", "MQTT topic prefix; readings go to <prefix>/<device_id>/readings")
	flag.IntVar(&o.devices, "devices", 10, "number of simulated devices")
	flag.Float64Var(&o.lat, "lat", 14.5995, "latitude of the device cluster")
	flag.Float64Var(&o.lon, "lon", 120.9842, "longitude of the device cluster")
	flag.Float64Var(&o.spread, "spread", 0.001, "maximum coordinate offset in degrees")
	flag.DurationVar(&o.interval, "interval", time.Second, "interval between readings")
	flag.DurationVar(&o.quakeAfter, "quake-after", 10*time.Second, "start of the quake window")
	flag.DurationVar(&o.quakeDuration, "quake-duration", 0, "length of the quake window (0 disables)")
	flag.Float64Var(&o.quakeMin, "quake-min", 1.5, "minimum g-force during the quake")
	flag.Float64Var(&o.quakeMax, "quake-max", 5.0, "maximum g-force during the quake")
	flag.Uint64Var(&o.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.Parse()

	if o.devices < 1 {
		return errors.New("-devices must be at least 1")
	}
	if o.quakeMax < o.quakeMin {
		return errors.New("-quake-max must not be below -quake-min")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewPCG(o.seed, o.seed>>1))
	target := strings.TrimSuffix(o.target, "/")
	client := &http.Client{Timeout: 5 * time.Second}
	devices := newDevices(rng, o.devices, o.lat, o.lon, o.spread)

	for _, d := range devices {
		if err := register(ctx, client, target, d); err != nil {
			logger.Warn("registration failed", "device_id", d.ID, "error", err)
			continue
		}
		logger.Info("device registered", "device_id", d.ID, "lat", d.Latitude, "lon", d.Longitude)
	}

	var pub publisher
	switch o.transport {
	case "http":
		pub = &httpPublisher{client: client, url: target + "/post"}
	case "mqtt":
		mp, err := newMQTTPublisher(o.broker, o.topicPrefix)
		if err != nil {
			return err
		}
		pub = mp
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}
	defer pub.Close()

	return simulate(ctx, logger, rng, pub, devices, o)
}

func simulate(ctx context.Context, logger *slog.Logger, rng *rand.Rand, pub publisher, devices []device, o options) error {
	start := time.Now()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	quakeG := make(map[string]float64, len(devices))
	var sent, failed int

	for {
		elapsed := time.Since(start)
		inQuake := quakeWindow(elapsed, o.quakeAfter, o.quakeDuration)
		if inQuake && len(quakeG) == 0 {
			for _, d := range devices {
				quakeG[d.ID] = round(o.quakeMin+rng.Float64()*(o.quakeMax-o.quakeMin), 1)
			}
			logger.Warn("quake started", "duration", o.quakeDuration)
		} else if !inQuake && len(quakeG) > 0 {
			clear(quakeG)
			logger.Info("quake ended")
		}

		now := time.Now()
		for _, d := range devices {
			g := restingG
			if inQuake {
				g = quakeG[d.ID]
			}
			if err := pub.Publish(ctx, shake(rng, d.ID, g, now)); err != nil {
				failed++
				logger.Warn("publish failed", "device_id", d.ID, "error", err)
				continue
			}
			sent++
		}
		logger.Debug("tick", "sent", sent, "failed", failed, "quake", inQuake)

		select {
		case <-ctx.Done():
			logger.Info("emulator stopping", "sent", sent, "failed", failed)
			return nil
		case <-ticker.C:
		}
	}
}

func register(ctx context.Context, client *http.Client, target string, d device) error {
	return postJSON(ctx, client, target+"/post_device_id", map[string]any{
		"device_id": d.ID,
		"auth_seed": d.AuthSeed,
		"latitude":  d.Latitude,
		"longitude": d.Longitude,
	})
}

type httpPublisher struct {
	client *http.Client
	url    string
}

func (p *httpPublisher) Publish(ctx context.Context, s sample) error {
	return postJSON(ctx, p.client, p.url, s)
}

func (p *httpPublisher) Close() {}

func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type mqttPublisher struct {
	client paho.Client
	prefix string
}

func newMQTTPublisher(broker, prefix string) (*mqttPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("eews-emulator-" + uuid.NewString()).
		SetOrderMatters(false).
		SetAutoReconnect(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", broker, token.Error())
	}
	return &mqttPublisher{client: client, prefix: prefix}, nil
}

func (p *mqttPublisher) Publish(ctx context.Context, s sample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	token := p.client.Publish(fmt.Sprintf("%s/%s/readings", p.prefix, s.DeviceID), 0, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
