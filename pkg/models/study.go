package models

import "strings"

// UnknownTag is used when a DICOM tag could not be resolved.
const UnknownTag = "UNKNOWN"

// PatientTags are the patient-level DICOM tags of a study.
type PatientTags struct {
	PatientName      string `json:"PatientName,omitempty"`
	PatientID        string `json:"PatientID,omitempty"`
	PatientBirthDate string `json:"PatientBirthDate,omitempty"`
	PatientSex       string `json:"PatientSex,omitempty"`
}

var nameSeparators = strings.NewReplacer("^", " ", `\`, " ")

// DisplayName renders a DICOM person name ("DOE^JANE") for display.
func (p PatientTags) DisplayName() string {
	if p.PatientName == "" {
		return "N/A"
	}
	return strings.Join(strings.Fields(nameSeparators.Replace(p.PatientName)), " ")
}

// SeriesSummary is the subset of series metadata the analysis needs.
type SeriesSummary struct {
	ID               string `json:"ID,omitempty"`
	Modality         string `json:"Modality"`
	BodyPartExamined string `json:"BodyPartExamined"`
}

// StudyDetails is the resolved metadata of an imaging study.
type StudyDetails struct {
	StudyID string          `json:"studyId"`
	Patient PatientTags     `json:"patient"`
	Series  []SeriesSummary `json:"series"`
}

// Primary returns the modality and body part of the first series.
func (d StudyDetails) Primary() (modality, bodyPart string, ok bool) {
	if len(d.Series) == 0 {
		return "", "", false
	}
	return d.Series[0].Modality, d.Series[0].BodyPartExamined, true
}
