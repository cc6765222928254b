package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/fleet-assistance/internal/auth"
	"github.com/ukydev/fleet-assistance/internal/dispatch"
	"github.com/ukydev/fleet-assistance/internal/models"
)

// Service areas incidents are spread over.
var cities = []models.Location{
	{City: "São Paulo", State: "SP", Lat: -23.5505, Lon: -46.6333},
	{City: "Campinas", State: "SP", Lat: -22.9099, Lon: -47.0626},
	{City: "Curitiba", State: "PR", Lat: -25.4284, Lon: -49.2733},
	{City: "Belo Horizonte", State: "MG", Lat: -19.9167, Lon: -43.9345},
	{City: "Rio de Janeiro", State: "RJ", Lat: -22.9068, Lon: -43.1729},
	{City: "Porto Alegre", State: "RS", Lat: -30.0346, Lon: -51.2177},
	{City: "Goiânia", State: "GO", Lat: -16.6869, Lon: -49.2648},
	{City: "Cuiabá", State: "MT", Lat: -15.6014, Lon: -56.0979},
}

var (
	truckModels = []string{"FH 540", "FM 380", "VM 270", "FMX 500"}
	complaints  = map[models.OccurrenceType][]string{
		models.OccurrenceBreakdown: {"Engine warning light", "Loss of power uphill", "Air pressure low"},
		models.OccurrenceTire:      {"Flat tire on trailer", "Tire blowout on drive axle"},
		models.OccurrenceTow:       {"Vehicle does not start", "Gearbox locked"},
		models.OccurrenceAccident:  {"Minor collision at toll plaza"},
	}
	occurrenceTypes = []models.OccurrenceType{
		models.OccurrenceBreakdown, models.OccurrenceTire, models.OccurrenceTow, models.OccurrenceAccident,
	}
)

func jitterLocation(base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	loc := base
	loc.Lat += (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	loc.Lon += (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return loc
}

func randomLocation() models.Location {
	return jitterLocation(cities[rand.Intn(len(cities))], 5000)
}

// newIncident builds the creation request for the i-th vehicle of the fleet.
func newIncident(i int) dispatch.CreateInput {
	typ := occurrenceTypes[rand.Intn(len(occurrenceTypes))]
	texts := complaints[typ]
	return dispatch.CreateInput{
		Chassis:           fmt.Sprintf("9BSSIM%011d", i+1),
		CustomerAccountID: fmt.Sprintf("customer-%d", i%5+1),
		CustomerAssetID:   fmt.Sprintf("asset-%d", i+1),
		TowerAccountID:    "tower-sim",
		Vehicle: models.VehicleInfo{
			Plate:    fmt.Sprintf("SIM%d%c%02d", i%10, 'A'+rune(i%26), i%100),
			Model:    truckModels[rand.Intn(len(truckModels))],
			Year:     2018 + rand.Intn(7),
			Odometer: float64(50000 + rand.Intn(600000)),
		},
		Occurrence: models.Occurrence{
			Type:          typ,
			Origin:        "simulator",
			Subject:       string(typ),
			MainComplaint: texts[rand.Intn(len(texts))],
			CriticalLoad:  rand.Intn(10) == 0,
		},
		Priority: 1 + rand.Intn(5),
	}
}

// apiClient calls the assistance API with a bearer token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// runIncident opens a case, dispatches it, walks every step and closes it.
func runIncident(ctx context.Context, c *apiClient, in dispatch.CreateInput, dealershipID string, pause time.Duration) (*models.Assistance, error) {
	var a models.Assistance
	if err := c.do(ctx, http.MethodPost, "/assistances", in, &a); err != nil {
		return nil, errors.Wrap(err, "create")
	}
	logger := log.WithFields(log.Fields{"assistance_id": a.ID, "number": a.Number, "chassis": a.Chassis})
	logger.Info("Incident opened")

	assign := dispatch.AssignInput{DealershipID: dealershipID, Location: randomLocation()}
	if err := c.do(ctx, http.MethodPost, "/assistances/"+a.ID+"/dispatch", assign, &a); err != nil {
		return nil, errors.Wrap(err, "assign dispatch")
	}

	for _, step := range models.StepOrder {
		if err := sleep(ctx, pause); err != nil {
			return nil, err
		}
		path := fmt.Sprintf("/assistances/%s/dispatch/steps/%s/advance", a.ID, step)
		if err := c.do(ctx, http.MethodPost, path, nil, &a); err != nil {
			return nil, errors.Wrapf(err, "advance %s", step)
		}
		logger.WithField("step", step).Debug("Step advanced")
	}

	if err := c.do(ctx, http.MethodPost, "/assistances/"+a.ID+"/close", nil, &a); err != nil {
		return nil, errors.Wrap(err, "close")
	}
	logger.Info("Incident closed")
	return &a, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// simulatorToken returns SIM_AUTH_TOKEN, or mints an operator token with
// SIM_JWT_SECRET when no token is given.
func simulatorToken(getenv func(string) string) (string, error) {
	if token := getenv("SIM_AUTH_TOKEN"); token != "" {
		return token, nil
	}
	secret := getenv("SIM_JWT_SECRET")
	if secret == "" {
		return "", errors.New("set SIM_AUTH_TOKEN or SIM_JWT_SECRET")
	}
	tokens, err := auth.NewService(secret, time.Hour)
	if err != nil {
		return "", err
	}
	return tokens.GenerateToken(models.Claims{
		UserID:    "simulator",
		Username:  "simulator",
		AccountID: "tower-sim",
		Role:      models.RoleOperator,
	})
}

// simulate runs fleetSize incidents with at most parallel in flight and
// returns how many closed.
func simulate(ctx context.Context, c *apiClient, fleetSize, parallel int, pause time.Duration) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	closed := make(chan struct{}, fleetSize)
	for i := 0; i < fleetSize; i++ {
		in := newIncident(i)
		dealership := fmt.Sprintf("dealer-%d", i%3+1)
		g.Go(func() error {
			if _, err := runIncident(ctx, c, in, dealership, pause); err != nil {
				log.WithError(err).WithField("chassis", in.Chassis).Error("Incident failed")
				return nil
			}
			closed <- struct{}{}
			return nil
		})
	}
	err := g.Wait()
	return len(closed), err
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func main() {
	token, err := simulatorToken(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("No credentials for the assistance API")
	}

	apiURL := os.Getenv("API_BASE_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}
	fleetSize := envInt("FLEET_SIZE", 10)
	parallel := envInt("SIM_PARALLEL", 4)
	pause := time.Duration(envInt("SIM_STEP_MILLIS", 500)) * time.Millisecond

	log.WithFields(log.Fields{
		"fleet_size": fleetSize,
		"api_url":    apiURL,
		"parallel":   parallel,
		"pause":      pause,
	}).Info("Starting incident simulation")

	closed, err := simulate(context.Background(), newAPIClient(apiURL, token), fleetSize, parallel, pause)
	if err != nil {
		log.WithError(err).Fatal("Simulation aborted")
	}
	log.WithFields(log.Fields{"closed": closed, "failed": fleetSize - closed}).Info("Simulation finished")
}
