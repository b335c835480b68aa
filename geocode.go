package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GeocodingService handles reverse geocoding using a Nominatim-compatible API
type GeocodingService struct {
	db         *DB
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// GeocodedPlace represents a reverse geocoded result
type GeocodedPlace struct {
	PlaceName   string  `json:"place_name"`
	PlaceType   string  `json:"place_type,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// NewGeocodingService creates a new geocoding service. Lookups are cached in
// db and outbound requests are throttled to cfg.RatePerSecond.
func NewGeocodingService(db *DB, cfg GeocoderConfig, logger zerolog.Logger) *GeocodingService {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &GeocodingService{
		db: db,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   cfg.URL,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:    logger,
	}
}

// coordinateLabel is what callers show when no place name is available
func coordinateLabel(lat, lon float64) string {
	return fmt.Sprintf("%.5f, %.5f", lat, lon)
}

// Labels returns a human readable name for each point, in order. Points that
// cannot be resolved get their formatted coordinate; it never fails.
func (g *GeocodingService) Labels(ctx context.Context, points []LatLon) []string {
	var places map[int]*GeocodedPlace
	if g != nil && len(points) > 0 {
		// A cancelled ctx still leaves the points resolved so far
		places, _ = g.ReverseGeocodeBatch(ctx, points)
	}

	labels := make([]string, len(points))
	for i, pt := range points {
		if place, ok := places[i]; ok && place.PlaceName != "" {
			labels[i] = place.PlaceName
		} else {
			labels[i] = coordinateLabel(pt.Lat, pt.Lon)
		}
	}
	return labels
}

// ReverseGeocode resolves a single point, consulting the cache first
func (g *GeocodingService) ReverseGeocode(ctx context.Context, lat, lon float64) (*GeocodedPlace, error) {
	cached, err := g.lookupCache(ctx, lat, lon)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		g.logger.Warn().Err(err).Msg("geocache lookup failed")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.fetchFromNominatim(ctx, lat, lon)
}

// ReverseGeocodeBatch geocodes multiple points. Points that cannot be
// resolved are missing from the result map.
func (g *GeocodingService) ReverseGeocodeBatch(ctx context.Context, points []LatLon) (map[int]*GeocodedPlace, error) {
	results := make(map[int]*GeocodedPlace)

	for i, pt := range points {
		place, err := g.ReverseGeocode(ctx, pt.Lat, pt.Lon)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			g.logger.Warn().Err(err).Float64("lat", pt.Lat).Float64("lon", pt.Lon).Msg("reverse geocode failed")
			continue
		}
		if place != nil {
			results[i] = place
		}
	}

	return results, nil
}

// lookupCache checks if a point falls within any cached bounding box
func (g *GeocodingService) lookupCache(ctx context.Context, lat, lon float64) (*GeocodedPlace, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT place_name, place_type, display_name
		FROM geocache
		WHERE ? >= min_lat AND ? <= max_lat AND ? >= min_lon AND ? <= max_lon
		LIMIT 1
	`, lat, lat, lon, lon)

	var placeName, placeType, displayName string
	if err := row.Scan(&placeName, &placeType, &displayName); err != nil {
		return nil, err
	}

	return &GeocodedPlace{
		PlaceName:   placeName,
		PlaceType:   placeType,
		DisplayName: displayName,
		Lat:         lat,
		Lon:         lon,
	}, nil
}

// insertCache stores a geocoding result with its bounding box
func (g *GeocodingService) insertCache(ctx context.Context, minLat, maxLat, minLon, maxLon float64, place *GeocodedPlace) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO geocache (min_lat, max_lat, min_lon, max_lon, place_name, place_type, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, minLat, maxLat, minLon, maxLon, place.PlaceName, place.PlaceType, place.DisplayName, time.Now().Unix())
	return err
}

// nominatimResponse represents the JSON response from Nominatim reverse API
type nominatimResponse struct {
	PlaceID     int64    `json:"place_id"`
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Type        string   `json:"type"`
	Category    string   `json:"category"`
	BoundingBox []string `json:"boundingbox"` // [min_lat, max_lat, min_lon, max_lon]
	Address     address  `json:"address"`
}

type address struct {
	Amenity       string `json:"amenity,omitempty"`
	Shop          string `json:"shop,omitempty"`
	Building      string `json:"building,omitempty"`
	HouseNumber   string `json:"house_number,omitempty"`
	Road          string `json:"road,omitempty"`
	Neighbourhood string `json:"neighbourhood,omitempty"`
	Suburb        string `json:"suburb,omitempty"`
	City          string `json:"city,omitempty"`
	Town          string `json:"town,omitempty"`
	Village       string `json:"village,omitempty"`
}

func (g *GeocodingService) fetchFromNominatim(ctx context.Context, lat, lon float64) (*GeocodedPlace, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("format", "jsonv2")
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	// Required by Nominatim ToS
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	var nr nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("failed to parse nominatim response: %w", err)
	}

	placeName := extractPlaceName(nr)
	if placeName == "" {
		return nil, nil
	}

	place := &GeocodedPlace{
		PlaceName:   placeName,
		PlaceType:   nr.Type,
		DisplayName: nr.DisplayName,
		Lat:         lat,
		Lon:         lon,
	}

	// Cache by Nominatim's bounding box, grown to include the query point
	if len(nr.BoundingBox) == 4 {
		minLat, _ := strconv.ParseFloat(nr.BoundingBox[0], 64)
		maxLat, _ := strconv.ParseFloat(nr.BoundingBox[1], 64)
		minLon, _ := strconv.ParseFloat(nr.BoundingBox[2], 64)
		maxLon, _ := strconv.ParseFloat(nr.BoundingBox[3], 64)

		minLat = min(minLat, lat)
		maxLat = max(maxLat, lat)
		minLon = min(minLon, lon)
		maxLon = max(maxLon, lon)

		if err := g.insertCache(ctx, minLat, maxLat, minLon, maxLon, place); err != nil {
			g.logger.Warn().Err(err).Msg("geocache insert failed")
		}
	}

	g.logger.Debug().Float64("lat", lat).Float64("lon", lon).Str("place", placeName).Msg("reverse geocoded")

	return place, nil
}

// extractPlaceName gets the most useful place name from a Nominatim response
func extractPlaceName(nr nominatimResponse) string {
	if nr.Name != "" {
		return nr.Name
	}

	addr := nr.Address
	if addr.Amenity != "" {
		return addr.Amenity
	}
	if addr.Shop != "" {
		return addr.Shop
	}
	if addr.Building != "" && addr.Building != "yes" {
		return addr.Building
	}

	if addr.Road != "" {
		if addr.HouseNumber != "" {
			return addr.HouseNumber + " " + addr.Road
		}
		return addr.Road
	}

	for _, v := range []string{addr.Neighbourhood, addr.Suburb, addr.City, addr.Town, addr.Village} {
		if v != "" {
			return v
		}
	}

	return ""
}
