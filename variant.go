package pushsub

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Variant describes one deployment of the handshake: where its service
// worker lives, where subscriptions are reported, and how the report body
// is shaped.
type Variant struct {
	Name              string `yaml:"name"`
	ServiceWorkerPath string `yaml:"service_worker_path"`
	ReportPath        string `yaml:"report_path"`
	// Username, when set, wraps the report as
	// {"username": Username, "push_sub": <subscription>}.
	Username string `yaml:"username"`
	// AwaitPermission makes clients wait for the permission prompt and
	// stop before subscribing unless it was granted.
	AwaitPermission bool `yaml:"await_permission"`
}

var (
	// GCM reports the bare subscription to /gcm/add_sub.
	GCM = Variant{
		Name:              "gcm",
		ServiceWorkerPath: "/gcm/js/service_worker.js",
		ReportPath:        "/gcm/add_sub",
	}

	// WWWPush reports the subscription wrapped with a username to
	// /wwwpush/add_sub.
	WWWPush = Variant{
		Name:              "wwwpush",
		ServiceWorkerPath: "/pushdemo/js/service-worker.js",
		ReportPath:        "/wwwpush/add_sub",
		Username:          "testuser",
	}
)

// WrappedSubscription is the report body of variants that carry a username.
type WrappedSubscription struct {
	Username string        `json:"username"`
	PushSub  *Subscription `json:"push_sub"`
}

// Payload returns the value serialized as the report body for sub.
func (v Variant) Payload(sub *Subscription) any {
	if v.Username == "" {
		return sub
	}
	return &WrappedSubscription{Username: v.Username, PushSub: sub}
}

// Wrapped reports whether the variant wraps subscriptions with a username.
func (v Variant) Wrapped() bool {
	return v.Username != ""
}

// Validate checks that the variant names its worker script and report path.
func (v Variant) Validate() error {
	if v.Name == "" {
		return errors.New("variant name is required")
	}
	if v.ServiceWorkerPath == "" {
		return fmt.Errorf("variant %q: service_worker_path is required", v.Name)
	}
	if v.ReportPath == "" {
		return fmt.Errorf("variant %q: report_path is required", v.Name)
	}
	if !strings.HasPrefix(v.ReportPath, "/") {
		return fmt.Errorf("variant %q: report_path must start with /", v.Name)
	}
	return nil
}

// ParseVariants reads a YAML document of the form
//
//	variants:
//	  - name: gcm
//	    service_worker_path: /gcm/js/service_worker.js
//	    report_path: /gcm/add_sub
func ParseVariants(data []byte) ([]Variant, error) {
	var doc struct {
		Variants []Variant `yaml:"variants"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling variants: %w", err)
	}
	if len(doc.Variants) == 0 {
		return nil, errors.New("no variants defined")
	}
	names := make(map[string]bool, len(doc.Variants))
	paths := make(map[string]string, len(doc.Variants))
	for _, v := range doc.Variants {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if names[v.Name] {
			return nil, fmt.Errorf("duplicate variant %q", v.Name)
		}
		names[v.Name] = true
		if other, ok := paths[v.ReportPath]; ok {
			return nil, fmt.Errorf("variants %q and %q share report_path %s", other, v.Name, v.ReportPath)
		}
		paths[v.ReportPath] = v.Name
	}
	return doc.Variants, nil
}
