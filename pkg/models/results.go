package models

import (
	"encoding/json"
	"path"
	"strings"
)

// OutputFileTypeVisualization marks the rendered overlay among a job's output files.
const OutputFileTypeVisualization = "visualization"

// OutputFile is one artifact produced by an analysis job.
type OutputFile struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

// Results holds the payload of a completed job. Only the fields used for locating
// artifacts are typed; the full payload is kept in Raw.
type Results struct {
	VisualizationPath string          `json:"visualization_path,omitempty"`
	OutputPath        string          `json:"output_path,omitempty"`
	OutputFiles       []OutputFile    `json:"output_files,omitempty"`
	Error             string          `json:"error,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the original bytes.
func (r *Results) UnmarshalJSON(data []byte) error {
	type plain Results
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Results(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the original payload when available.
func (r Results) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain Results
	return json.Marshal(plain(r))
}

// VisualizationLocation returns the server-relative path of the visualization image.
// Precedence: direct path, then the path derived from output_path, then the output file list.
func (r *Results) VisualizationLocation() (string, bool) {
	if r == nil {
		return "", false
	}
	if r.VisualizationPath != "" {
		return r.VisualizationPath, true
	}
	if r.OutputPath != "" {
		return derivedVisualizationPath(r.OutputPath), true
	}
	for _, f := range r.OutputFiles {
		if f.Type == OutputFileTypeVisualization && f.Path != "" {
			return f.Path, true
		}
	}
	return "", false
}

// DownloadFilename returns the name of the first output file, if any.
func (r *Results) DownloadFilename() string {
	if r == nil || len(r.OutputFiles) == 0 {
		return ""
	}
	return r.OutputFiles[0].Filename
}

// derivedVisualizationPath strips everything from the first dot of the final
// element, so "scan.nii.gz" and "scan.nii" both become "scan_visualization.png".
func derivedVisualizationPath(outputPath string) string {
	dir, file := path.Split(outputPath)
	if i := strings.Index(file, "."); i >= 0 {
		file = file[:i]
	}
	return dir + file + "_visualization.png"
}
