package tedapi

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
	"github.com/slyglif/tedapi2mqtt/internal/logger"
)

const (
	// DefaultHost is the fixed gateway address the leader answers on.
	DefaultHost = "192.168.91.1"

	defaultTimeout = 15 * time.Second
)

// Client reads snapshots from the TEDAPI gateway of the group leader. The
// gateway serves a self-signed certificate and authenticates with the
// password printed under the leader's casing.
type Client struct {
	host         string
	password     string
	reportVitals bool
	httpClient   *http.Client

	mu  sync.Mutex
	din string
}

var _ Provider = (*Client)(nil)

// NewClient creates a gateway client. An empty host selects DefaultHost.
// reportVitals controls whether per-unit vitals are queried in addition to
// the leader's aggregates.
func NewClient(host, password string, reportVitals bool) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host:         host,
		password:     password,
		reportVitals: reportVitals,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				// The gateway only offers a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// SystemSnapshot queries the leader's aggregates and, when vitals reporting
// is enabled, each unit's vitals. A unit that fails to answer is logged and
// omitted from the snapshot; only a failed leader query fails the whole poll.
func (c *Client) SystemSnapshot(ctx context.Context) (*RawSnapshot, error) {
	status, err := c.getStatus(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &RawSnapshot{
		Taken:  time.Now().UTC(),
		System: statusToTotals(status),
	}

	if !c.reportVitals {
		return snapshot, nil
	}

	for _, block := range status.Control.BatteryBlocks {
		unit, err := c.getUnitVitals(ctx, block.DIN)
		if err != nil {
			logger.Warn().
				Str("unit", block.DIN).
				Err(err).
				Msg("Unit vitals unavailable, omitting from snapshot")
			continue
		}
		snapshot.Units = append(snapshot.Units, *unit)
	}

	return snapshot, nil
}

// statusResponse mirrors the slice of the DeviceControllerQuery document the
// bridge consumes.
type statusResponse struct {
	Control struct {
		MeterAggregates []struct {
			Location   string  `json:"location"`
			RealPowerW float64 `json:"realPowerW"`
		} `json:"meterAggregates"`
		SystemStatus struct {
			NominalEnergyRemainingWh float64 `json:"nominalEnergyRemainingWh"`
			NominalFullPackEnergyWh  float64 `json:"nominalFullPackEnergyWh"`
		} `json:"systemStatus"`
		BatteryBlocks []struct {
			DIN string `json:"din"`
		} `json:"batteryBlocks"`
	} `json:"control"`
}

func (c *Client) getStatus(ctx context.Context) (*statusResponse, error) {
	body, err := c.request(ctx, "/tedapi/v1/status")
	if err != nil {
		return nil, err
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, errors.New().Wrap(ErrBadResponse, err)
	}
	return &status, nil
}

func statusToTotals(status *statusResponse) *SystemTotals {
	totals := &SystemTotals{
		CapacityWh:  status.Control.SystemStatus.NominalFullPackEnergyWh,
		RemainingWh: status.Control.SystemStatus.NominalEnergyRemainingWh,
	}

	found := false
	for _, m := range status.Control.MeterAggregates {
		w := m.RealPowerW
		switch m.Location {
		case "SITE":
			totals.GridW = &w
		case "LOAD":
			totals.LoadW = &w
		case "SOLAR":
			totals.SolarW = &w
		case "BATTERY":
			totals.BatteryW = &w
		default:
			continue
		}
		found = true
	}

	if !found && totals.CapacityWh == 0 && totals.RemainingWh == 0 {
		return nil
	}
	return totals
}

type vitalsResponse struct {
	Energy struct {
		NominalFullPackEnergyWh  float64 `json:"nominalFullPackEnergyWh"`
		NominalEnergyRemainingWh float64 `json:"nominalEnergyRemainingWh"`
	} `json:"energy"`
	RealPowerW float64 `json:"realPowerW"`
	Strings    map[string]struct {
		PowerW float64 `json:"powerW"`
	} `json:"strings"`
}

func (c *Client) getUnitVitals(ctx context.Context, din string) (*UnitReading, error) {
	body, err := c.request(ctx, fmt.Sprintf("/tedapi/v1/device/%s/vitals", din))
	if err != nil {
		return nil, err
	}

	var vitals vitalsResponse
	if err := json.Unmarshal(body, &vitals); err != nil {
		return nil, errors.New().Wrap(ErrBadResponse, err)
	}

	unit := &UnitReading{
		UnitID:      din,
		BatteryW:    vitals.RealPowerW,
		CapacityWh:  vitals.Energy.NominalFullPackEnergyWh,
		RemainingWh: vitals.Energy.NominalEnergyRemainingWh,
	}
	if unit.CapacityWh > 0 {
		unit.HasEnergy = true
		unit.PercentRaw = unit.RemainingWh / unit.CapacityWh * 100
	}

	// Map iteration order is random; keep string order stable by ID
	ids := make([]string, 0, len(vitals.Strings))
	for id := range vitals.Strings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		unit.Strings = append(unit.Strings, PVString{ID: id, Watts: vitals.Strings[id].PowerW})
	}

	return unit, nil
}

// DIN returns the leader's device identification number, fetched once and
// cached for the life of the client.
func (c *Client) DIN(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.din != "" {
		return c.din, nil
	}

	body, err := c.request(ctx, "/tedapi/din")
	if err != nil {
		return "", err
	}
	din := string(body)
	if len(din) < 16 {
		return "", errors.New().WithData(ErrBadResponse, din)
	}

	c.din = din
	logger.Info().Str("din", din).Msg("Got DIN from leader")
	return c.din, nil
}

func (c *Client) request(ctx context.Context, pathname string) ([]byte, error) {
	errFactory := errors.New()

	url := fmt.Sprintf("https://%s%s", c.host, pathname)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrBadResponse, err)
	}
	auth := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("Tesla_Energy_Device:%s", c.password)))
	req.Header.Set("Authorization", fmt.Sprintf("Basic %s", auth))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errFactory.WithMessage(ErrAccessDenied, "access denied: check your gateway password")
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// The gateway rate-limits aggressive pollers
		return nil, errFactory.WithData(ErrRateLimited, resp.Status)
	default:
		return nil, errFactory.WithData(ErrBadResponse, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(err)
	}
	return body, nil
}

func wrapTransport(err error) error {
	errFactory := errors.New()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errFactory.Wrap(ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errFactory.Wrap(ErrTimeout, err)
	}
	return errFactory.Wrap(ErrUnreachable, err)
}
