// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
)

// TypeHPR is the sentence type of the proprietary TrueNorth heading/pitch/
// roll sentence ($PTNTHPR) emitted by digital compass/tilt modules.
const TypeHPR = "TNTHPR"

// HPR is a parsed $PTNTHPR sentence.
type HPR struct {
	nmea.BaseSentence
	Heading      float64
	HeadingState string
	Pitch        float64
	PitchState   string
	Roll         float64
	RollState    string
}

// Valid reports whether the sensor flagged pitch and roll as normal ("N").
func (h HPR) Valid() bool {
	return h.PitchState == "N" && h.RollState == "N"
}

func parseHPR(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	h := HPR{
		BaseSentence: s,
		Heading:      p.Float64(0, "heading"),
		HeadingState: p.String(1, "heading status"),
		Pitch:        p.Float64(2, "pitch"),
		PitchState:   p.String(3, "pitch status"),
		Roll:         p.Float64(4, "roll"),
		RollState:    p.String(5, "roll status"),
	}
	return h, p.Err()
}

var registerHPR sync.Once

func ensureHPRParser() {
	registerHPR.Do(func() {
		if err := nmea.RegisterParser(TypeHPR, parseHPR); err != nil {
			log.Printf("orientation: HPR parser registration: %v", err)
		}
	})
}

type tiltSource struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

// NewTiltSource opens a serial tilt sensor that streams $PTNTHPR sentences.
func NewTiltSource(portName string, baudRate uint) (Source, io.Closer, error) {
	ensureHPRParser()

	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              baudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("tilt sensor serial open %s: %w", portName, err)
	}
	log.Printf("orientation: tilt sensor opened on %s at %d baud", portName, baudRate)

	return newTiltReader(port), port, nil
}

func newTiltReader(port io.ReadWriteCloser) *tiltSource {
	ensureHPRParser()
	return &tiltSource{port: port, reader: bufio.NewReader(port)}
}

// Next blocks until the next valid HPR sentence arrives. Other sentence
// types and partial lines are skipped.
func (s *tiltSource) Next() (Sample, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return Sample{}, fmt.Errorf("tilt sensor read: %w", err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			// noisy line or partial sentence
			continue
		}

		hpr, ok := sentence.(HPR)
		if !ok || !hpr.Valid() {
			continue
		}

		return Sample{
			Pose: Pose{
				Roll:  hpr.Roll,
				Pitch: hpr.Pitch,
				Yaw:   hpr.Heading,
			},
			Time: time.Now(),
		}, nil
	}
}
