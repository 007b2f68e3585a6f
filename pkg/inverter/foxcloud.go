package inverter

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/common"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const (
	foxRealQueryPath     = "/op/v0/device/real/query"
	foxDeviceDetailPath  = "/op/v0/device/detail"
	foxSchedulerSetPath  = "/op/v1/device/scheduler/enable"
	foxSchedulerFlagPath = "/op/v1/device/scheduler/set/flag"
	foxExportLimitPath   = "/op/v0/device/setting/exportLimit/set"

	// errno values from the cloud API we care about beyond generic failure.
	foxErrnoRateLimited = 40400
	foxErrnoRejected    = 44096

	deviceDetailTTL = time.Hour

	// every cloud call is bounded; a slow API is a recoverable failure
	upstreamTimeout = 10 * time.Second
)

// FoxCloud implements the System interface for the FoxESS Open API. Every
// request is signed with the account API key; the device timezone is cached
// because it is needed on every cycle but almost never changes.
type FoxCloud struct {
	client  *http.Client
	baseURL string
	apiKey  string

	mu                sync.Mutex
	deviceDetailCache map[string]deviceDetailEntry
}

type deviceDetailEntry struct {
	detail types.DeviceDetail
	expiry time.Time
}

// NewFoxCloud creates a FoxCloud client for a single account API key.
func NewFoxCloud(baseURL, apiKey string) *FoxCloud {
	if baseURL == "" {
		baseURL = "https://www.foxesscloud.com"
	}
	return &FoxCloud{
		client:            common.HTTPClient(upstreamTimeout),
		baseURL:           baseURL,
		apiKey:            apiKey,
		deviceDetailCache: make(map[string]deviceDetailEntry),
	}
}

type foxResponse struct {
	Errno  int             `json:"errno"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

// sign computes the request signature the cloud expects: the md5 hex of the
// path, token and millisecond timestamp joined by \r\n.
func (f *FoxCloud) sign(path, timestamp string) string {
	hash := md5.Sum([]byte(path + "\r\n" + f.apiKey + "\r\n" + timestamp))
	return hex.EncodeToString(hash[:])
}

func (f *FoxCloud) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return nil, err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("token", f.apiKey)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", f.sign(path, timestamp))
	req.Header.Set("lang", "en")
	return req, nil
}

func (f *FoxCloud) doRequest(req *http.Request, dest interface{}) error {
	ctx := req.Context()

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var fr foxResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode foxcloud response", slog.Any("error", err), slog.String("body", string(body)))
		return err
	}

	switch fr.Errno {
	case 0:
	case foxErrnoRateLimited:
		log.Ctx(ctx).WarnContext(ctx, "foxcloud rate limited", slog.String("msg", fr.Msg))
		return ErrRateLimited
	case foxErrnoRejected:
		log.Ctx(ctx).WarnContext(ctx, "foxcloud rejected request", slog.String("msg", fr.Msg))
		return fmt.Errorf("%w: %s", ErrRejected, fr.Msg)
	default:
		if fr.Msg == "" {
			log.Ctx(ctx).ErrorContext(ctx, "foxcloud api unknown error", slog.Int("errno", fr.Errno), slog.String("body", string(body)))
			return fmt.Errorf("foxcloud errno %d", fr.Errno)
		}
		log.Ctx(ctx).ErrorContext(ctx, "foxcloud api error", slog.Int("errno", fr.Errno), slog.String("msg", fr.Msg))
		return fmt.Errorf("foxcloud errno %d: %s", fr.Errno, fr.Msg)
	}

	if dest != nil {
		if err := json.Unmarshal(fr.Result, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode foxcloud result", slog.Any("error", err))
			return fmt.Errorf("failed to decode foxcloud result: %w", err)
		}
	}
	return nil
}

type realQueryRequest struct {
	SN        string   `json:"sn"`
	Variables []string `json:"variables"`
}

type realQueryResult []struct {
	DeviceSN string `json:"deviceSN"`
	Time     string `json:"time"`
	Datas    []struct {
		Variable string  `json:"variable"`
		Value    float64 `json:"value"`
		Unit     string  `json:"unit"`
	} `json:"datas"`
}

// Query returns the current real-time telemetry for the device.
func (f *FoxCloud) Query(ctx context.Context, deviceID string) (types.Telemetry, error) {
	req, err := f.newRequest(ctx, "POST", foxRealQueryPath, nil, realQueryRequest{
		SN: deviceID,
		Variables: []string{
			"SoC", "pvPower", "invBatPower", "feedinPower",
			"gridConsumptionPower", "loadsPower", "ResidualEnergy",
		},
	})
	if err != nil {
		return types.Telemetry{}, err
	}

	var res realQueryResult
	if err := f.doRequest(req, &res); err != nil {
		return types.Telemetry{}, fmt.Errorf("real query failed: %w", err)
	}
	if len(res) == 0 {
		return types.Telemetry{}, fmt.Errorf("no telemetry returned for %s", deviceID)
	}

	tel := types.Telemetry{Timestamp: time.Now().UTC()}
	var feedIn, consumption float64
	for _, d := range res[0].Datas {
		switch d.Variable {
		case "SoC":
			tel.SoC = d.Value
		case "pvPower":
			tel.PVPowerKW = d.Value
		case "invBatPower":
			tel.BatteryPowerKW = d.Value
		case "feedinPower":
			feedIn = d.Value
		case "gridConsumptionPower":
			consumption = d.Value
		case "loadsPower":
			tel.LoadPowerKW = d.Value
		case "ResidualEnergy":
			// reported in units of 10Wh
			tel.ResidualEnergyKWh = d.Value / 100
		}
	}
	tel.GridPowerKW = feedIn - consumption
	return tel, nil
}

// SetSchedule writes the full 8-slot schedule to the device.
func (f *FoxCloud) SetSchedule(ctx context.Context, deviceID string, sched types.Schedule) error {
	groups := make([]foxSegment, 0, len(sched))
	for _, s := range sched {
		groups = append(groups, foxSegment{
			Enable:       s.Enable,
			WorkMode:     string(s.WorkMode),
			StartHour:    s.StartHour,
			StartMinute:  s.StartMinute,
			EndHour:      s.EndHour,
			EndMinute:    s.EndMinute,
			MinSocOnGrid: s.MinSocOnGrid,
			FdSoc:        s.FdSoc,
			FdPwr:        s.FdPwr,
			MaxSoc:       s.MaxSoc,
		})
	}

	req, err := f.newRequest(ctx, "POST", foxSchedulerSetPath, nil, struct {
		DeviceSN string       `json:"deviceSN"`
		Groups   []foxSegment `json:"groups"`
	}{DeviceSN: deviceID, Groups: groups})
	if err != nil {
		return err
	}
	if err := f.doRequest(req, nil); err != nil {
		return fmt.Errorf("set schedule failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "wrote schedule", slog.String("deviceID", deviceID))
	return nil
}

type foxSegment struct {
	Enable       int    `json:"enable"`
	WorkMode     string `json:"workMode"`
	StartHour    int    `json:"startHour"`
	StartMinute  int    `json:"startMinute"`
	EndHour      int    `json:"endHour"`
	EndMinute    int    `json:"endMinute"`
	MinSocOnGrid int    `json:"minSocOnGrid"`
	FdSoc        int    `json:"fdSoc"`
	FdPwr        int    `json:"fdPwr"`
	MaxSoc       int    `json:"maxSoc"`
}

// SetSchedulerFlag enables or disables the device's scheduler entirely.
func (f *FoxCloud) SetSchedulerFlag(ctx context.Context, deviceID string, enable bool) error {
	flag := 0
	if enable {
		flag = 1
	}
	req, err := f.newRequest(ctx, "POST", foxSchedulerFlagPath, nil, struct {
		DeviceSN string `json:"deviceSN"`
		Enable   int    `json:"enable"`
	}{DeviceSN: deviceID, Enable: flag})
	if err != nil {
		return err
	}
	if err := f.doRequest(req, nil); err != nil {
		return fmt.Errorf("set scheduler flag failed: %w", err)
	}
	return nil
}

// SetExportLimit caps grid export at the given watts.
func (f *FoxCloud) SetExportLimit(ctx context.Context, deviceID string, watts int) error {
	req, err := f.newRequest(ctx, "POST", foxExportLimitPath, nil, struct {
		SN    string `json:"sn"`
		Limit int    `json:"limit"`
	}{SN: deviceID, Limit: watts})
	if err != nil {
		return err
	}
	if err := f.doRequest(req, nil); err != nil {
		return fmt.Errorf("set export limit failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "set export limit", slog.String("deviceID", deviceID), slog.Int("watts", watts))
	return nil
}

// GetDeviceDetail returns static device info. Results are cached for an hour
// to avoid burning API quota on every cycle.
func (f *FoxCloud) GetDeviceDetail(ctx context.Context, deviceID string) (types.DeviceDetail, error) {
	f.mu.Lock()
	if entry, ok := f.deviceDetailCache[deviceID]; ok && time.Now().Before(entry.expiry) {
		f.mu.Unlock()
		return entry.detail, nil
	}
	f.mu.Unlock()

	params := url.Values{}
	params.Set("sn", deviceID)
	req, err := f.newRequest(ctx, "GET", foxDeviceDetailPath, params, nil)
	if err != nil {
		return types.DeviceDetail{}, err
	}

	var detail types.DeviceDetail
	if err := f.doRequest(req, &detail); err != nil {
		return types.DeviceDetail{}, fmt.Errorf("device detail failed: %w", err)
	}

	f.mu.Lock()
	f.deviceDetailCache[deviceID] = deviceDetailEntry{
		detail: detail,
		expiry: time.Now().Add(deviceDetailTTL),
	}
	f.mu.Unlock()
	return detail, nil
}
