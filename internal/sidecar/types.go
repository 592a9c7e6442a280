// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sidecar

import "encoding/json"

// envelope is the response wrapper every control-plane endpoint uses.
type envelope struct {
	Status  int             `json:"status"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// DownloadStarted is returned by StartModel.
type DownloadStarted struct {
	ModelID   string `json:"model_id"`
	ModelsDir string `json:"models_dir"`
	ProcessID string `json:"process_id"`
}

// LocalModel is one entry of the models/list dictionary.
type LocalModel struct {
	ModelID     string           `json:"model_id"`
	ModelDir    string           `json:"model_dir"`
	ModelsDir   string           `json:"models_dir"`
	ProcessID   string           `json:"process_id"`
	CurrentSize int64            `json:"current_size"`
	Status      string           `json:"status"`
	TotalSize   int64            `json:"total_size"`
	Files       map[string]int64 `json:"files"`
	// Entrypoint is spelled "entypoint" on the wire.
	Entrypoint string  `json:"entypoint"`
	InfoFile   string  `json:"info_file"`
	Percentage float64 `json:"percentage"`
}

// DownloadStopped is returned by StopModel.
type DownloadStopped struct {
	ProcessID string `json:"process_id"`
	Stopped   bool   `json:"stopped"`
}

// DownloadProgress is returned by Progress.
type DownloadProgress struct {
	ModelID     string  `json:"model_id"`
	ModelDir    string  `json:"model_dir"`
	ProcessID   string  `json:"process_id"`
	CurrentSize int64   `json:"current_size"`
	Status      string  `json:"status"`
	TotalSize   int64   `json:"total_size"`
	Percentage  float64 `json:"percentage"`
}
