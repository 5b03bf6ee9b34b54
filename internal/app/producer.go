package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/capture_guide/internal/config"
	"github.com/relabs-tech/capture_guide/internal/guide"
	"github.com/relabs-tech/capture_guide/internal/orientation"
	"github.com/relabs-tech/capture_guide/internal/steps"
)

// aim tracks the target of the guide's active step so the mock source
// homes in on whatever the guide is asking for.
type aim struct {
	mu   sync.Mutex
	pose orientation.Pose
}

func newAim() *aim {
	return &aim{pose: steps.Get(steps.Front).Target}
}

func (a *aim) set(p orientation.Pose) {
	a.mu.Lock()
	a.pose = p
	a.mu.Unlock()
}

func (a *aim) get() orientation.Pose {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pose
}

func (a *aim) follow(snap guide.Snapshot) {
	if snap.Step.ID.Valid() {
		a.set(snap.Step.Target)
	}
}

// pacedSource rate limits a polled source to one sample per tick.
type pacedSource struct {
	src    orientation.Source
	ticker *time.Ticker
}

func pace(src orientation.Source, every time.Duration) *pacedSource {
	return &pacedSource{src: src, ticker: time.NewTicker(every)}
}

func (p *pacedSource) Next() (orientation.Sample, error) {
	<-p.ticker.C
	return p.src.Next()
}

func (p *pacedSource) Close() error {
	p.ticker.Stop()
	return nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// openSource opens the local motion source named by kind. Polled sources
// (imu, mock) are paced at the configured sample interval; the tilt sensor
// streams at its own rate.
func openSource(cfg *config.Config, kind string, a *aim) (orientation.Source, io.Closer, error) {
	switch kind {
	case config.MotionIMU:
		src, err := orientation.NewIMUSource(cfg.IMUSPIDevice, cfg.IMUCSPin)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("motion: MPU9250 on %s (CS %s)", cfg.IMUSPIDevice, cfg.IMUCSPin)
		p := pace(src, cfg.SampleEvery())
		return p, p, nil

	case config.MotionTilt:
		src, port, err := orientation.NewTiltSource(cfg.TiltSerialPort, uint(cfg.TiltBaudRate))
		if err != nil {
			return nil, nil, err
		}
		return src, port, nil

	case config.MotionMock:
		log.Println("motion: using mock orientation source")
		p := pace(orientation.NewMockSource(a.get, 3*time.Second), cfg.SampleEvery())
		return p, p, nil

	default:
		return nil, nil, fmt.Errorf("motion source %q cannot be opened locally", kind)
	}
}

// RunMotionProducer reads samples from a local motion source and publishes
// them on the samples topic for a guide running elsewhere.
func RunMotionProducer(ctx context.Context, kind string) error {
	cfg := config.Get()
	log.Printf("starting capture-guide motion producer (%s → MQTT)", kind)

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer+"-"+kind)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	a := newAim()
	if kind == config.MotionMock {
		if err := subscribeJSON(client, cfg.TopicState, a.follow); err != nil {
			return err
		}
	}

	src, closer, err := openSource(cfg, kind, a)
	if err != nil {
		return err
	}
	defer closer.Close()

	return publishSamples(ctx, client, cfg.TopicSamples, src)
}

// publishSamples copies samples from src to topic until ctx ends or src
// fails.
func publishSamples(ctx context.Context, client mqtt.Client, topic string, src orientation.Source) error {
	var count int
	lastLog := time.Now()
	for ctx.Err() == nil {
		s, err := src.Next()
		if err != nil {
			return fmt.Errorf("motion source: %w", err)
		}
		if err := publishJSON(client, topic, false, s); err != nil {
			log.Printf("motion: %v", err)
			continue
		}
		count++
		if time.Since(lastLog) >= 5*time.Second {
			log.Printf("motion: %d samples published, last P=%.1f R=%.1f", count, s.Pitch, s.Roll)
			lastLog = time.Now()
		}
	}
	return nil
}
