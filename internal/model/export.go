package model

import "time"

// CorpusExport is the top-level structure for exam registry export.
type CorpusExport struct {
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
	DataDir    string    `json:"data_dir" yaml:"data_dir"`
	Stats      Stats     `json:"stats" yaml:"stats"`
	Exams      []Exam    `json:"exams" yaml:"exams"`
}
