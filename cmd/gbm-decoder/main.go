// Command gbm-decoder runs a block-occupancy decoder: it samples the eight
// track inputs, reports occupancy on the RS-bus, and publishes events and
// status to MQTT and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/sweeney/gbm-decoder/internal/adc"
	"github.com/sweeney/gbm-decoder/internal/cv"
	"github.com/sweeney/gbm-decoder/internal/decoder"
	"github.com/sweeney/gbm-decoder/internal/discovery"
	"github.com/sweeney/gbm-decoder/internal/display"
	"github.com/sweeney/gbm-decoder/internal/gpio"
	"github.com/sweeney/gbm-decoder/internal/logic"
	"github.com/sweeney/gbm-decoder/internal/mqtt"
	"github.com/sweeney/gbm-decoder/internal/relays"
	"github.com/sweeney/gbm-decoder/internal/rsbus"
	"github.com/sweeney/gbm-decoder/internal/speed"
	"github.com/sweeney/gbm-decoder/internal/status"
	"github.com/sweeney/gbm-decoder/internal/timer"
	"github.com/sweeney/gbm-decoder/internal/web"
)

const version = "1.0"

type config struct {
	cvFile        string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisKey      string
	rsbusDev      string
	rsbusBaud     int
	adcKind       string
	i2cBus        string
	adsAddr       [2]uint
	adcRange      physic.ElectricPotential
	iioDir        string
	iioShift      uint
	gpioChip      string
	broker        string
	topic         string
	heartbeat     time.Duration
	settle        time.Duration
	scale         uint
	httpAddr      string
	mdns          bool
	printState    bool
}

func main() {
	cfg := config{adcRange: adc.DefaultADSRange}
	flag.StringVar(&cfg.cvFile, "cv-file", "", "JSON file of CV values")
	flag.StringVar(&cfg.redisAddr, "redis", "", "Redis address to load CVs from (empty to disable)")
	flag.StringVar(&cfg.redisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.redisDB, "redis-db", 0, "Redis database")
	flag.StringVar(&cfg.redisKey, "redis-key", "gbm:cv", "Redis hash holding the CVs")
	flag.StringVar(&cfg.rsbusDev, "rsbus", "/dev/ttyAMA0", "Serial device of the RS-bus transmitter")
	flag.IntVar(&cfg.rsbusBaud, "rsbus-baud", rsbus.DefaultBaud, "RS-bus baud rate")
	flag.StringVar(&cfg.adcKind, "adc", "ads1115", "Input converter: ads1115, ads1015 or iio")
	flag.StringVar(&cfg.i2cBus, "i2c-bus", "", "I2C bus of the ADS1x15 converters (empty for the first)")
	flag.UintVar(&cfg.adsAddr[0], "ads-addr", adc.DefaultADSAddrLow, "I2C address of the converter for inputs 0-3")
	flag.UintVar(&cfg.adsAddr[1], "ads-addr2", adc.DefaultADSAddrHigh, "I2C address of the converter for inputs 4-7")
	flag.Var(&cfg.adcRange, "adc-range", "Input voltage read as full scale")
	flag.StringVar(&cfg.iioDir, "iio", adc.DefaultIIODevice, "IIO device directory (with -adc iio)")
	flag.UintVar(&cfg.iioShift, "iio-shift", 0, "Right shift applied to IIO readings")
	flag.StringVar(&cfg.gpioChip, "gpio-chip", gpio.DefaultChip, "GPIO chip of the relay coils")
	flag.StringVar(&cfg.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	flag.StringVar(&cfg.topic, "topic", mqtt.DefaultPrefix, "MQTT topic prefix")
	flag.DurationVar(&cfg.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	flag.DurationVar(&cfg.settle, "settle", time.Second, "Quiet period after start-up before feedback is sent")
	flag.UintVar(&cfg.scale, "scale", speed.DefaultScale, "Model scale divisor for speed measurement")
	flag.StringVar(&cfg.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.BoolVar(&cfg.mdns, "mdns", true, "Announce the status server over mDNS")
	flag.BoolVar(&cfg.printState, "print-state", false, "Print configuration and input readings and exit")

	flag.Parse()

	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	store, source, err := loadCVs(cfg)
	if err != nil {
		return err
	}
	role := cv.DecoderRole(store)

	conv, err := openConverter(cfg)
	if err != nil {
		return fmt.Errorf("init adc: %w", err)
	}
	defer conv.Close()

	if cfg.printState {
		return printState(os.Stdout, store, conv)
	}

	link, err := rsbus.Open(cfg.rsbusDev, cfg.rsbusBaud)
	if err != nil {
		return fmt.Errorf("init rsbus: %w", err)
	}
	defer link.Close()

	hw := decoder.Hardware{Converter: conv, Link: link}
	if role.UsesRelays() {
		port, err := gpio.NewRealPort(cfg.gpioChip, gpio.DefaultPins)
		if err != nil {
			return fmt.Errorf("init relays: %w", err)
		}
		defer port.Close()
		hw.Relays = port
	}
	lcd := display.New()
	if role == cv.RoleSpeed {
		hw.Display = lcd
	}

	var clock timer.Clock
	dec, err := decoder.New(store, decoder.Options{Settle: cfg.settle, Scale: uint16(cfg.scale)}, hw, clock.Millis())
	if err != nil {
		return err
	}

	publisher := mqtt.NewRealPublisher(mqtt.Options{
		Broker:    cfg.broker,
		Topics:    mqtt.NewTopics(cfg.topic),
		OnCommand: submitter(dec),
	})
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		CVSource:    source,
		RSBus:       cfg.rsbusDev,
		Broker:      cfg.broker,
		TopicPrefix: cfg.topic,
		HeartbeatMs: cfg.heartbeat.Milliseconds(),
		SettleMs:    cfg.settle.Milliseconds(),
		HTTPPort:    cfg.httpAddr,
		MDNS:        cfg.mdns && cfg.httpAddr != "",
	})
	if ni := readNetworkInfo(); ni != nil {
		tracker.SetNetwork(ni)
	}
	tracker.Update(dec.Snapshot(), false, logic.EventCounts{})

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	l := &loop{
		dec:        dec,
		millis:     clock.Millis,
		now:        time.Now,
		detector:   logic.NewDetector(cfg.settle, time.Now()),
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		display:    lcd,
		link:       link,
		heartbeat:  cfg.heartbeat,
		last:       clock.Millis(),
	}

	if cfg.httpAddr != "" {
		srv := web.New(cfg.httpAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		l.live = srv
		log.Printf("http status server listening on %s", cfg.httpAddr)

		if cfg.mdns {
			if svc := announce(cfg.httpAddr, role, store); svc != nil {
				defer svc.Stop()
			}
		}
	}

	log.Printf("started: role=%v rsaddr=%d cvs=%s broker=%s heartbeat=%v", role, cv.RSAddress(store), source, cfg.broker, cfg.heartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clockTicker := time.NewTicker(time.Millisecond)
	defer clockTicker.Stop()
	go clock.Run(ctx, clockTicker.C)

	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(l, poll.C, sigCh)
}

// validate rejects flag values that would be truncated or cannot select
// hardware.
func validate(cfg config) error {
	if cfg.scale == 0 || cfg.scale > math.MaxUint16 {
		return fmt.Errorf("-scale %d out of range 1..%d", cfg.scale, math.MaxUint16)
	}
	switch cfg.adcKind {
	case "ads1115", "ads1015":
		for _, a := range cfg.adsAddr {
			if a > 0x7f {
				return fmt.Errorf("ads address %#x is not a 7-bit I2C address", a)
			}
		}
		if cfg.adcRange <= 0 {
			return fmt.Errorf("-adc-range %v must be positive", cfg.adcRange)
		}
	case "iio":
	default:
		return fmt.Errorf("-adc %q: want ads1115, ads1015 or iio", cfg.adcKind)
	}
	return nil
}

type converter interface {
	adc.Converter
	io.Closer
}

// openConverter opens the ADS1x15 pair over periph by default. The IIO
// backend serves boards whose converter is owned by a kernel driver.
func openConverter(cfg config) (converter, error) {
	if cfg.adcKind == "iio" {
		return adc.NewIIOConverter(cfg.iioDir, cfg.iioShift)
	}
	return adc.OpenADS(adc.ADSOptions{
		Bus:   cfg.i2cBus,
		Chip:  cfg.adcKind,
		Addr:  [2]uint16{uint16(cfg.adsAddr[0]), uint16(cfg.adsAddr[1])},
		Range: cfg.adcRange,
	})
}

// loadCVs layers the configured sources over the factory defaults. A Redis
// hash takes precedence over the file. Both are read once.
func loadCVs(cfg config) (cv.Store, string, error) {
	var layers cv.Layered
	source := "defaults"

	if cfg.redisAddr != "" {
		rs, err := cv.NewRedisStore(cfg.redisAddr, cfg.redisPassword, cfg.redisDB, cfg.redisKey)
		if err != nil {
			return nil, "", err
		}
		table, err := rs.Snapshot()
		rs.Close()
		if err != nil {
			return nil, "", fmt.Errorf("load cvs from redis: %w", err)
		}
		layers = append(layers, table)
		source = fmt.Sprintf("redis:%s/%s", cfg.redisAddr, cfg.redisKey)
	}
	if cfg.cvFile != "" {
		table, err := cv.LoadFile(cfg.cvFile)
		if err != nil {
			return nil, "", err
		}
		layers = append(layers, table)
		if cfg.redisAddr == "" {
			source = "file:" + cfg.cvFile
		} else {
			source += ",file:" + cfg.cvFile
		}
	}
	return append(layers, cv.Defaults()), source, nil
}

// submitter forwards MQTT relay commands to the decoder.
func submitter(dec *decoder.Decoder) mqtt.CommandHandler {
	return func(c mqtt.Command) {
		cmd := decoder.Command{Device: c.Device, Position: c.Position}
		if err := dec.Submit(cmd); err != nil {
			log.Printf("relay command %v rejected: %v", cmd, err)
		}
	}
}

func announce(httpAddr string, role cv.Role, store cv.Store) *discovery.Service {
	port, err := httpPort(httpAddr)
	if err != nil {
		log.Printf("mdns disabled: %v", err)
		return nil
	}
	svc := discovery.New(discovery.InstanceName(), port, discovery.Info{
		Version: version,
		Role:    role.String(),
		RSAddr:  cv.RSAddress(store),
	})
	if err := svc.Start(); err != nil {
		log.Printf("mdns disabled: %v", err)
		return nil
	}
	return svc
}

// httpPort extracts the numeric port from a listen address such as ":80".
func httpPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("http address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("http address %q: no numeric port", addr)
	}
	return port, nil
}

// printState writes the effective configuration and one raw reading per
// input.
func printState(w io.Writer, store cv.Store, conv adc.Converter) error {
	role := cv.DecoderRole(store)
	acfg := adc.ConfigFromCV(store)
	fmt.Fprintf(w, "role: %v\n", role)
	fmt.Fprintf(w, "rs-bus address: %d\n", cv.RSAddress(store))
	fmt.Fprintf(w, "thresholds: on=%d off=%d samples=%d\n", acfg.ThresholdOn, acfg.ThresholdOff, acfg.MinSamples)
	if role.UsesRelays() {
		rcfg := relays.ConfigFromCV(store)
		fmt.Fprintf(w, "relay hold: %v invert=%v\n", rcfg.HoldTime, rcfg.InvertPolarity)
	}

	var errs []error
	for i := 0; i < adc.NumChannels; i++ {
		v, err := readOnce(conv, i)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(w, "input %d: error\n", i)
			continue
		}
		fmt.Fprintf(w, "input %d: raw=%d delay=%dms\n", i, v, int(acfg.OffDelay[i])*10)
	}
	return errors.Join(errs...)
}

func readOnce(conv adc.Converter, channel int) (uint16, error) {
	if err := conv.Start(channel); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for !conv.Ready() {
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("input %d: conversion timed out", channel)
		}
		time.Sleep(time.Millisecond)
	}
	return conv.Value()
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
