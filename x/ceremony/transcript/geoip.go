package transcript

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves participant countries from a MaxMind GeoLite2 database.
// Lookups are local; no address leaves the coordinator.
type GeoIP struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	dbPath string
}

// OpenGeoIP opens the database at dbPath. An empty path tries the usual
// install locations and GEOIP_DB_PATH.
func OpenGeoIP(dbPath string) (*GeoIP, error) {
	if dbPath == "" {
		possiblePaths := []string{
			os.Getenv("GEOIP_DB_PATH"),
			"/usr/share/GeoIP/GeoLite2-Country.mmdb",
			"/var/lib/GeoIP/GeoLite2-Country.mmdb",
			"./GeoLite2-Country.mmdb",
		}
		for _, path := range possiblePaths {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				dbPath = path
				break
			}
		}
		if dbPath == "" {
			return nil, fmt.Errorf("GeoIP database not found. Set GEOIP_DB_PATH or place GeoLite2-Country.mmdb in a standard location")
		}
	}

	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("GeoIP database not found at %s: %w", dbPath, err)
	}
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &GeoIP{reader: reader, dbPath: dbPath}, nil
}

// LookupCountry returns the ISO country code of ipStr. Loopback and private
// addresses resolve to the empty string.
func (g *GeoIP) LookupCountry(ipStr string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.reader == nil {
		return "", fmt.Errorf("GeoIP database not loaded")
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", ipStr)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return "", nil
	}

	record, err := g.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("GeoIP lookup failed: %w", err)
	}
	return record.Country.IsoCode, nil
}

// Path returns the database location.
func (g *GeoIP) Path() string {
	return g.dbPath
}

// Close releases the database.
func (g *GeoIP) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}
