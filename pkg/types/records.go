package types

import (
	"encoding/json"
	"time"
)

// RecordType is one of the fixed record categories.
type RecordType string

const (
	RecordTypePhysicalExamination RecordType = "Physical Examination"
	RecordTypeLabResults          RecordType = "Lab Results"
	RecordTypePrescription        RecordType = "Prescription"
	RecordTypeDiagnosis           RecordType = "Diagnosis"
	RecordTypeVaccination         RecordType = "Vaccination"
	RecordTypeAllergyInformation  RecordType = "Allergy Information"
	RecordTypeTreatmentPlan       RecordType = "Treatment Plan"
	RecordTypeMedicalImaging      RecordType = "Medical Imaging"
	RecordTypeSurgery             RecordType = "Surgery"
	RecordTypeMentalHealth        RecordType = "Mental Health Evaluation"
	RecordTypeDentalRecords       RecordType = "Dental Records"
)

// RecordTypes lists every accepted category in display order.
var RecordTypes = []RecordType{
	RecordTypePhysicalExamination,
	RecordTypeLabResults,
	RecordTypePrescription,
	RecordTypeDiagnosis,
	RecordTypeVaccination,
	RecordTypeAllergyInformation,
	RecordTypeTreatmentPlan,
	RecordTypeMedicalImaging,
	RecordTypeSurgery,
	RecordTypeMentalHealth,
	RecordTypeDentalRecords,
}

// Valid reports whether t is in the fixed category set.
func (t RecordType) Valid() bool {
	for _, known := range RecordTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RecordStatus is the logical lifecycle flag of a record. Records are never
// removed from the ledger.
type RecordStatus string

const (
	RecordStatusActive   RecordStatus = "active"
	RecordStatusArchived RecordStatus = "archived"
	RecordStatusDeleted  RecordStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordStatusActive, RecordStatusArchived, RecordStatusDeleted:
		return true
	}
	return false
}

// RecordDescriptor is the ledger entry anchoring one encrypted record.
type RecordDescriptor struct {
	RecordID   string          `json:"record_id"`
	Owner      PrincipalID     `json:"owner"`
	ContentRef string          `json:"content_ref"`
	RecordType RecordType      `json:"record_type"`
	Metadata   json.RawMessage `json:"metadata"`
	Status     RecordStatus    `json:"status"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RecordVersion is one link of a record's content history.
type RecordVersion struct {
	RecordID   string          `json:"record_id"`
	Version    int             `json:"version"`
	ContentRef string          `json:"content_ref"`
	Metadata   json.RawMessage `json:"metadata"`
	TxID       string          `json:"tx_id"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// RecordPayload is the plaintext medical record that gets encrypted before it
// leaves the client.
type RecordPayload struct {
	RecordType     RecordType        `json:"recordType"`
	PatientName    string            `json:"patientName,omitempty"`
	DoctorName     string            `json:"doctorName,omitempty"`
	Date           string            `json:"date,omitempty"`
	Description    string            `json:"description"`
	Diagnosis      string            `json:"diagnosis,omitempty"`
	Prescription   string            `json:"prescription,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	PatientAddress PrincipalID       `json:"patientAddress,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}
