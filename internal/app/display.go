package app

import (
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/capture_guide/internal/config"
	"github.com/relabs-tech/capture_guide/internal/guide"
)

const (
	displayWidth  = 128
	displayHeight = 64
	displayCols   = displayWidth / 7
)

// latest holds the most recent snapshot received over MQTT.
type latest struct {
	mu   sync.RWMutex
	snap guide.Snapshot
	have bool
}

func (l *latest) set(s guide.Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.have = true
	l.mu.Unlock()
}

func (l *latest) get() (guide.Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap, l.have
}

// ssd1306AddrDefault is the address ssd1306.NewI2C always talks to.
const ssd1306AddrDefault = 0x3C

// addrBus sends the driver's transactions to a configured address. The
// driver only knows the panel's default one.
type addrBus struct {
	i2c.Bus
	addr uint16
}

func (b addrBus) Tx(addr uint16, w, r []byte) error {
	if addr == ssd1306AddrDefault {
		addr = b.addr
	}
	return b.Bus.Tx(addr, w, r)
}

func addressed(bus i2c.Bus, addr uint16) i2c.Bus {
	if addr == 0 || addr == ssd1306AddrDefault {
		return bus
	}
	return addrBus{Bus: bus, addr: addr}
}

// RunDisplay shows the guide's active step and instruction on an SSD1306
// OLED, driven by the retained state topic.
func RunDisplay() error {
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(addressed(bus, cfg.DisplayI2CAddr), &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Printf("display: initialized at 0x%02X", cfg.DisplayI2CAddr)

	if err := draw(dev, splashFrame()); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	state := &latest{}
	if err := subscribeJSON(client, cfg.TopicState, state.set); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.DisplayEvery())
	defer ticker.Stop()

	log.Println("display: starting update loop")
	var last string
	for range ticker.C {
		snap, have := state.get()
		if !have {
			continue
		}
		lines := guidanceLines(snap)
		key := fmt.Sprint(lines)
		if key == last {
			continue
		}
		last = key
		if err := draw(dev, renderLines(lines)); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}
	return nil
}

func draw(dev *ssd1306.Dev, img *image1bit.VerticalLSB) error {
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// guidanceLines are the four text rows of the guidance frame.
func guidanceLines(s guide.Snapshot) [4]string {
	return [4]string{
		clip(stepLine(s)),
		clip(headline(s)),
		clip(angleLine(s)),
		clip(slotLine(s)),
	}
}

func clip(s string) string {
	if r := []rune(s); len(r) > displayCols {
		return string(r[:displayCols])
	}
	return s
}

func renderLines(lines [4]string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1)+2*i)
		drawer.DrawString(line)
	}
	return img
}

func splashFrame() *image1bit.VerticalLSB {
	return renderLines([4]string{"", "  Capture guide", "  waiting for", "  the phone"})
}
