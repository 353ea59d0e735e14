package sendcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrParcelNotFound is returned when the API does not know the parcel.
var ErrParcelNotFound = errors.New("sendcloud parcel not found")

type ParcelResult struct {
	Parcel    Parcel
	UpdatedAt *time.Time
}

type Client interface {
	GetParcel(ctx context.Context, parcelID int64) (ParcelResult, error)
}

type APIClient struct {
	baseURL   string
	publicKey string
	secretKey string
	httpc     *http.Client
}

func NewAPIClient(baseURL, publicKey, secretKey string) *APIClient {
	if baseURL == "" {
		baseURL = "https://panel.sendcloud.sc"
	}
	return &APIClient{
		baseURL:   baseURL,
		publicKey: publicKey,
		secretKey: secretKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type parcelResp struct {
	Parcel struct {
		Parcel
		DateUpdated string `json:"date_updated"`
	} `json:"parcel"`
}

func (c *APIClient) GetParcel(ctx context.Context, parcelID int64) (ParcelResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ParcelResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api/v2/parcels/" + strconv.FormatInt(parcelID, 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ParcelResult{}, errors.Wrap(err, "new request")
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ParcelResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ParcelResult{}, ErrParcelNotFound
	}
	if resp.StatusCode/100 != 2 {
		return ParcelResult{}, fmt.Errorf("sendcloud api http %d", resp.StatusCode)
	}

	var r parcelResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return ParcelResult{}, errors.Wrap(err, "decode")
	}
	if r.Parcel.ID == 0 {
		return ParcelResult{}, errors.New("sendcloud api returned empty parcel")
	}

	out := ParcelResult{Parcel: r.Parcel.Parcel}
	// Sendcloud example: "05-03-2018 10:55:49"
	if r.Parcel.DateUpdated != "" {
		if t, err := time.ParseInLocation("02-01-2006 15:04:05", r.Parcel.DateUpdated, time.UTC); err == nil {
			out.UpdatedAt = &t
		}
	}
	return out, nil
}
