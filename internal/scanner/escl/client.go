// Package escl implements the network scanner backend. Devices speak the
// standard HTTP+XML scan protocol over plain or self-signed TLS: a
// capabilities document, job creation, and a NextDocument drain loop.
package escl

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// requestTimeout bounds every HTTP call to a device.
	requestTimeout = 30 * time.Second

	// drainRetryLimit bounds consecutive 503 retries in the document loop.
	drainRetryLimit = 10

	// drainRetryBackoff is the fixed pause between 503 retries.
	drainRetryBackoff = 2 * time.Second

	esclRoot = "eSCL"
)

// capabilitiesDoc mirrors the parts of the ScannerCapabilities document the
// backend consumes.
type capabilitiesDoc struct {
	XMLName      xml.Name     `xml:"ScannerCapabilities"`
	MakeAndModel string       `xml:"MakeAndModel"`
	SerialNumber string       `xml:"SerialNumber"`
	Platen       *inputSource `xml:"Platen>PlatenInputCaps"`
	ADF          *adfCaps     `xml:"Adf"`
}

type adfCaps struct {
	Simplex *inputSource `xml:"AdfSimplexInputCaps"`
	Duplex  *inputSource `xml:"AdfDuplexInputCaps"`
}

type inputSource struct {
	MinWidth    int                  `xml:"MinWidth"`
	MaxWidth    int                  `xml:"MaxWidth"`
	MinHeight   int                  `xml:"MinHeight"`
	MaxHeight   int                  `xml:"MaxHeight"`
	ColorModes  []string             `xml:"SettingProfiles>SettingProfile>ColorModes>ColorMode"`
	Resolutions []discreteResolution `xml:"SettingProfiles>SettingProfile>SupportedResolutions>DiscreteResolutions>DiscreteResolution"`
}

type discreteResolution struct {
	XResolution int `xml:"XResolution"`
	YResolution int `xml:"YResolution"`
}

// scanSettingsDoc is the job-creation request body.
type scanSettingsDoc struct {
	XMLName        xml.Name `xml:"scan:ScanSettings"`
	XMLNSScan      string   `xml:"xmlns:scan,attr"`
	XMLNSPwg       string   `xml:"xmlns:pwg,attr"`
	Version        string   `xml:"pwg:Version"`
	InputSource    string   `xml:"pwg:InputSource"`
	ColorMode      string   `xml:"scan:ColorMode"`
	XResolution    int      `xml:"scan:XResolution"`
	YResolution    int      `xml:"scan:YResolution"`
	DocumentFormat string   `xml:"pwg:DocumentFormat"`
	Duplex         bool     `xml:"scan:Duplex"`

	// CompressionFactor is optional; zero leaves the device default.
	CompressionFactor int `xml:"scan:CompressionFactor,omitempty"`
}

// client talks to one device endpoint.
type client struct {
	base string // e.g. https://192.168.1.40:443
	http *http.Client
}

// newHTTPClient builds the shared device HTTP client. Network scanners ship
// self-signed certificates, so verification is disabled for device calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func newClient(base string, httpClient *http.Client) *client {
	return &client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (c *client) url(parts ...string) string {
	return c.base + "/" + esclRoot + "/" + strings.Join(parts, "/")
}

// capabilities fetches and parses the device capabilities document.
func (c *client) capabilities(ctx context.Context) (*capabilitiesDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("ScannerCapabilities"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("escl: capabilities returned %s", resp.Status)
	}

	var doc capabilitiesDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("escl: parse capabilities: %w", err)
	}
	return &doc, nil
}

// createJob posts the scan settings and returns the job URI from the
// Location header.
func (c *client) createJob(ctx context.Context, settings scanSettingsDoc) (string, error) {
	body, err := xml.Marshal(settings)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("ScanJobs"), strings.NewReader(xml.Header+string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("escl: create job returned %s", resp.Status)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("escl: create job response missing Location header")
	}
	if strings.HasPrefix(location, "/") {
		location = c.base + location
	}
	return location, nil
}

// document is one page fetched from the NextDocument endpoint.
type document struct {
	data        []byte
	contentType string
}

// errNoMoreDocuments signals the normal end of a job's document stream.
var errNoMoreDocuments = fmt.Errorf("escl: no more documents")

// nextDocument fetches the next page of a job. 503 means the page is not
// ready yet and is retried with fixed backoff up to the retry bound; 404
// ends the stream; any other failure status is a transfer error.
func (c *client) nextDocument(ctx context.Context, jobURI string) (*document, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURI+"/NextDocument", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			return &document{data: data, contentType: resp.Header.Get("Content-Type")}, nil

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, errNoMoreDocuments

		case resp.StatusCode == http.StatusServiceUnavailable:
			resp.Body.Close()
			if attempt >= drainRetryLimit {
				return nil, fmt.Errorf("escl: device stayed busy after %d retries", attempt)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(drainRetryBackoff):
			}

		default:
			status := resp.Status
			resp.Body.Close()
			return nil, fmt.Errorf("escl: next document returned %s", status)
		}
	}
}

// deleteJob releases the device-side job. Best-effort.
func (c *client) deleteJob(ctx context.Context, jobURI string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, jobURI, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
