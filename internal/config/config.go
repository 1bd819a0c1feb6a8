package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	// Env selects "dev" (fake sensor allowed, demo users seeded) or "prod".
	Env string

	// DB
	DBPath string // e.g. "./data/attendance.db"

	// Sensor
	SensorPort string // e.g. "/dev/serial0"; empty in dev uses the fake
	SensorBaud int

	// Sync
	ADMSBaseURL  string // required in prod
	DeviceSerial string
	SyncInterval time.Duration
	HTTPTimeout  time.Duration
	ProbeAddr    string
	ProbeTimeout time.Duration

	// Capture
	MaxSlots            int
	PerUserCap          int
	EnrollStepTimeout   time.Duration
	TimezoneOffsetHours int

	// Organizational defaults stamped onto users created locally or by
	// USERINFO commands.
	CompanyID int64
	OfficeID  int64
}

func (c Config) TimezoneOffset() time.Duration {
	return time.Duration(c.TimezoneOffsetHours) * time.Hour
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("BIOTERM_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	return Config{
		Env:    env,
		DBPath: getenvDefault("BIOTERM_DB_PATH", "./data/attendance.db"),

		SensorPort: os.Getenv("BIOTERM_SENSOR_PORT"),
		SensorBaud: getenvInt("BIOTERM_SENSOR_BAUD", 57600),

		ADMSBaseURL:  os.Getenv("BIOTERM_ADMS_URL"),
		DeviceSerial: getenvDefault("BIOTERM_DEVICE_SN", deviceSerial()),
		SyncInterval: getenvDuration("BIOTERM_SYNC_INTERVAL", 20*time.Second),
		HTTPTimeout:  getenvDuration("BIOTERM_HTTP_TIMEOUT", 10*time.Second),
		ProbeAddr:    getenvDefault("BIOTERM_PROBE_ADDR", "8.8.8.8:53"),
		ProbeTimeout: getenvDuration("BIOTERM_PROBE_TIMEOUT", 2*time.Second),

		MaxSlots:            getenvInt("BIOTERM_MAX_SLOTS", 128),
		PerUserCap:          getenvInt("BIOTERM_MAX_FINGERPRINTS_PER_USER", 1),
		EnrollStepTimeout:   getenvDuration("BIOTERM_ENROLL_STEP_TIMEOUT", 30*time.Second),
		TimezoneOffsetHours: getenvSignedInt("BIOTERM_TIMEZONE_OFFSET", -6),

		CompanyID: int64(getenvInt("BIOTERM_COMPANY_ID", 2)),
		OfficeID:  int64(getenvInt("BIOTERM_OFFICE_ID", 4)),
	}
}

// deviceSerial derives the terminal's serial from its first hardware MAC,
// "WBIO" plus the last six hex digits, matching the fleet convention. A
// host with no usable interface gets a random per-boot serial instead.
func deviceSerial() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 3 {
				continue
			}
			hw := iface.HardwareAddr
			return fmt.Sprintf("WBIO%02X%02X%02X", hw[len(hw)-3], hw[len(hw)-2], hw[len(hw)-1])
		}
	}
	return "WBIO" + strings.ToUpper(uuid.NewString()[:6])
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// getenvSignedInt is getenvInt without the non-negative clamp; timezone
// offsets are usually negative here.
func getenvSignedInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
