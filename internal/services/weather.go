package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	geocodeEndpoint  = "https://geocoding-api.open-meteo.com/v1/search"
	forecastEndpoint = "https://api.open-meteo.com/v1/forecast"
)

// OpenMeteoWeather is the weather collaborator, backed by the keyless
// Open-Meteo geocoding and forecast APIs.
type OpenMeteoWeather struct {
	geocodeURL  string
	forecastURL string
	client      *http.Client
}

// WeatherOption adjusts an OpenMeteoWeather client.
type WeatherOption func(*OpenMeteoWeather)

// WithWeatherEndpoints overrides both API endpoints.
func WithWeatherEndpoints(geocode, forecast string) WeatherOption {
	return func(w *OpenMeteoWeather) {
		w.geocodeURL = geocode
		w.forecastURL = forecast
	}
}

// WithWeatherHTTPClient overrides the HTTP client.
func WithWeatherHTTPClient(c *http.Client) WeatherOption {
	return func(w *OpenMeteoWeather) { w.client = c }
}

// NewOpenMeteoWeather builds the client.
func NewOpenMeteoWeather(opts ...WeatherOption) *OpenMeteoWeather {
	w := &OpenMeteoWeather{
		geocodeURL:  geocodeEndpoint,
		forecastURL: forecastEndpoint,
		client:      http.DefaultClient,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		TempMax      []float64 `json:"temperature_2m_max"`
		TempMin      []float64 `json:"temperature_2m_min"`
		PrecipChance []int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

// weatherCodeText maps WMO weather interpretation codes to short labels.
// Codes collapse to their group; unknown codes read as "mixed conditions".
var weatherCodeText = map[int]string{
	0: "clear skies", 1: "mostly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "freezing fog",
	51: "light drizzle", 53: "drizzle", 55: "heavy drizzle",
	61: "light rain", 63: "rain", 65: "heavy rain",
	71: "light snow", 73: "snow", 75: "heavy snow",
	80: "rain showers", 81: "rain showers", 82: "violent rain showers",
	95: "thunderstorms", 96: "thunderstorms with hail", 99: "thunderstorms with hail",
}

// Lookup resolves the location and returns a one-paragraph summary of the
// current conditions plus today's range.
func (w *OpenMeteoWeather) Lookup(ctx context.Context, location string) (string, error) {
	name, country, lat, lon, err := w.geocode(ctx, location)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code")
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_probability_max")
	q.Set("forecast_days", "1")
	q.Set("timezone", "auto")

	var parsed forecastResponse
	if err := w.getJSON(ctx, w.forecastURL+"?"+q.Encode(), &parsed); err != nil {
		return "", fmt.Errorf("services: forecast for %q: %w", location, err)
	}

	conditions, ok := weatherCodeText[parsed.Current.WeatherCode]
	if !ok {
		conditions = "mixed conditions"
	}
	place := name
	if country != "" {
		place += ", " + country
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Right now in %s: %.0f°C with %s, humidity %.0f%%, wind %.0f km/h.",
		place, parsed.Current.Temperature, conditions, parsed.Current.Humidity, parsed.Current.WindSpeed)
	if len(parsed.Daily.TempMax) > 0 && len(parsed.Daily.TempMin) > 0 {
		fmt.Fprintf(&sb, " Today ranges %.0f°C to %.0f°C", parsed.Daily.TempMin[0], parsed.Daily.TempMax[0])
		if len(parsed.Daily.PrecipChance) > 0 {
			fmt.Fprintf(&sb, " with a %d%% chance of precipitation", parsed.Daily.PrecipChance[0])
		}
		sb.WriteString(".")
	}
	return sb.String(), nil
}

func (w *OpenMeteoWeather) geocode(ctx context.Context, location string) (name, country string, lat, lon float64, err error) {
	q := url.Values{}
	q.Set("name", location)
	q.Set("count", "1")

	var parsed geocodeResponse
	if err := w.getJSON(ctx, w.geocodeURL+"?"+q.Encode(), &parsed); err != nil {
		return "", "", 0, 0, fmt.Errorf("services: geocode %q: %w", location, err)
	}
	if len(parsed.Results) == 0 {
		return "", "", 0, 0, fmt.Errorf("services: no match for location %q", location)
	}
	r := parsed.Results[0]
	return r.Name, r.Country, r.Latitude, r.Longitude, nil
}

func (w *OpenMeteoWeather) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
