package signing

import (
	"fmt"
	"time"
)

type Distribution string

const (
	DistributionAppStore    Distribution = "appstore"
	DistributionAdHoc       Distribution = "adhoc"
	DistributionDevelopment Distribution = "development"
)

func ValidDistribution(d Distribution) bool {
	switch d {
	case DistributionAppStore, DistributionAdHoc, DistributionDevelopment:
		return true
	}
	return false
}

// Identity is one certificate + provisioning profile pair, scoped to an app
// identifier and distribution type. Records are mutated only through the
// Synchronizer; the build runner reads them.
type Identity struct {
	Identifier    string       `yaml:"identifier"     json:"identifier"`
	AppIdentifier string       `yaml:"app_identifier" json:"app_identifier"`
	Distribution  Distribution `yaml:"distribution"   json:"distribution"`
	Team          string       `yaml:"team"           json:"team"`
	CertificateID string       `yaml:"certificate_id" json:"certificate_id"`
	ProfileID     string       `yaml:"profile_id"     json:"profile_id"`
	ProfileName   string       `yaml:"profile_name"   json:"profile_name"`
	ExpiresOn     time.Time    `yaml:"expires_on"     json:"expires_on"`
	StoragePath   string       `yaml:"storage_path"   json:"storage_path"`
}

func (id *Identity) Key() string {
	return fmt.Sprintf("%s/%s", id.AppIdentifier, id.Distribution)
}

func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresOn.IsZero() && !now.Before(id.ExpiresOn)
}

type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("signing sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
