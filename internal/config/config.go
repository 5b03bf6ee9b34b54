package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Motion sources accepted by MOTION_SOURCE.
const (
	MotionMQTT = "mqtt"
	MotionIMU  = "imu"
	MotionTilt = "tilt"
	MotionMock = "mock"
)

// Session stores accepted by SESSION_STORE.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDGuide    string
	MQTTClientIDProducer string
	MQTTClientIDDisplay  string
	MQTTClientIDConsole  string

	// Topics
	TopicSamples  string
	TopicState    string
	TopicCues     string
	TopicCommands string

	// Motion
	MotionSource   string // "mqtt", "imu", "tilt" or "mock"
	IMUSPIDevice   string
	IMUCSPin       string
	TiltSerialPort string
	TiltBaudRate   int
	SampleInterval int     // milliseconds
	SmoothingAlpha float64 // 0 < alpha <= 1
	StableDuration int     // milliseconds

	// Capture
	CaptureCommand  string // shell-free command line, {path} is replaced by the output file
	CaptureDir      string
	CaptureMinBytes int64
	CameraAvailable bool

	// Sessions
	SessionStore  string // "sqlite" or "file"
	SessionDBPath string
	SessionDir    string
	ExportDir     string

	// Web Server
	WebServerPort int

	// Display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds
}

// The global config is only reachable through InitGlobal and Get so every
// read goes through configMu.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns a config with every optional value filled in.
func Defaults() *Config {
	return &Config{
		MQTTClientIDGuide:     "capture-guide",
		MQTTClientIDProducer:  "capture-motion",
		MQTTClientIDDisplay:   "capture-display",
		MQTTClientIDConsole:   "capture-console",
		TopicSamples:          "capture/motion/samples",
		TopicState:            "capture/guide/state",
		TopicCues:             "capture/guide/cues",
		TopicCommands:         "capture/guide/commands",
		MotionSource:          MotionMQTT,
		TiltBaudRate:          115200,
		SampleInterval:        20,
		SmoothingAlpha:        0.2,
		StableDuration:        1500,
		CaptureDir:            "captures",
		CaptureMinBytes:       1024,
		CameraAvailable:       true,
		SessionStore:          StoreSQLite,
		SessionDBPath:         "sessions.db",
		SessionDir:            "sessions",
		WebServerPort:         8080,
		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 200,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		if err := cfg.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_GUIDE":
		c.MQTTClientIDGuide = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_SAMPLES":
		c.TopicSamples = value
	case "TOPIC_STATE":
		c.TopicState = value
	case "TOPIC_CUES":
		c.TopicCues = value
	case "TOPIC_COMMANDS":
		c.TopicCommands = value

	// Motion
	case "MOTION_SOURCE":
		switch value {
		case MotionMQTT, MotionIMU, MotionTilt, MotionMock:
			c.MotionSource = value
		default:
			return fmt.Errorf("MOTION_SOURCE must be one of mqtt, imu, tilt, mock, got %q", value)
		}
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "TILT_SERIAL_PORT":
		c.TiltSerialPort = value
	case "TILT_BAUD_RATE":
		c.TiltBaudRate, err = positiveInt(key, value)
	case "SAMPLE_INTERVAL":
		c.SampleInterval, err = positiveInt(key, value)
	case "SMOOTHING_ALPHA":
		alpha, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid SMOOTHING_ALPHA %q: %w", value, perr)
		}
		if alpha <= 0 || alpha > 1 {
			return fmt.Errorf("SMOOTHING_ALPHA must be in (0, 1], got %v", alpha)
		}
		c.SmoothingAlpha = alpha
	case "STABLE_DURATION":
		c.StableDuration, err = positiveInt(key, value)

	// Capture
	case "CAPTURE_COMMAND":
		c.CaptureCommand = value
	case "CAPTURE_DIR":
		c.CaptureDir = value
	case "CAPTURE_MIN_BYTES":
		n, perr := strconv.ParseInt(value, 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid CAPTURE_MIN_BYTES %q: %w", value, perr)
		}
		if n < 0 {
			return fmt.Errorf("CAPTURE_MIN_BYTES must not be negative, got %d", n)
		}
		c.CaptureMinBytes = n
	case "CAMERA_AVAILABLE":
		c.CameraAvailable, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid CAMERA_AVAILABLE %q: %w", value, err)
		}

	// Sessions
	case "SESSION_STORE":
		if value != StoreSQLite && value != StoreFile {
			return fmt.Errorf("SESSION_STORE must be sqlite or file, got %q", value)
		}
		c.SessionStore = value
	case "SESSION_DB_PATH":
		c.SessionDBPath = value
	case "SESSION_DIR":
		c.SessionDir = value
	case "EXPORT_DIR":
		c.ExportDir = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = positiveInt(key, value)

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, perr := strconv.ParseUint(value, 0, 16)
		if perr != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, perr)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = positiveInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.MotionSource == MotionIMU && c.IMUSPIDevice == "" {
		return fmt.Errorf("IMU_SPI_DEVICE is required when MOTION_SOURCE=imu")
	}
	if c.MotionSource == MotionTilt && c.TiltSerialPort == "" {
		return fmt.Errorf("TILT_SERIAL_PORT is required when MOTION_SOURCE=tilt")
	}
	if c.SessionStore == StoreSQLite && c.SessionDBPath == "" {
		return fmt.Errorf("SESSION_DB_PATH is required when SESSION_STORE=sqlite")
	}
	if c.SessionStore == StoreFile && c.SessionDir == "" {
		return fmt.Errorf("SESSION_DIR is required when SESSION_STORE=file")
	}
	return nil
}

// SampleEvery is SAMPLE_INTERVAL as a duration.
func (c *Config) SampleEvery() time.Duration {
	return time.Duration(c.SampleInterval) * time.Millisecond
}

// StableFor is STABLE_DURATION as a duration.
func (c *Config) StableFor() time.Duration {
	return time.Duration(c.StableDuration) * time.Millisecond
}

// DisplayEvery is DISPLAY_UPDATE_INTERVAL as a duration.
func (c *Config) DisplayEvery() time.Duration {
	return time.Duration(c.DisplayUpdateInterval) * time.Millisecond
}

// InitGlobal loads the global configuration from file. Only the first
// call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
