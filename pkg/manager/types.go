package manager

import "encoding/json"

// ApplicationVersion is an installable build of an application for one firmware
type ApplicationVersion struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Perso       string `json:"perso"`
	Hash        string `json:"hash"`
	Firmware    string `json:"firmware"`
	FirmwareKey string `json:"firmware_key"`
	Delete      string `json:"delete"`
	DeleteKey   string `json:"delete_key"`
	Providers   []int  `json:"providers,omitempty"`
	DeviceIDs   []int  `json:"device_versions,omitempty"`
	Firmwares   []int  `json:"se_firmware_final_versions,omitempty"`
}

// Application groups the versions of one application
type Application struct {
	ID                  int                  `json:"id"`
	Name                string               `json:"name"`
	Description         string               `json:"description,omitempty"`
	Category            int                  `json:"category"`
	ApplicationVersions []ApplicationVersion `json:"application_versions"`
}

// Category is an application category
type Category struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Applications []int  `json:"applications,omitempty"`
}

// McuVersion describes an MCU firmware and the bootloader it can be flashed from
type McuVersion struct {
	ID                    int    `json:"id"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	FromBootloaderVersion string `json:"from_bootloader_version"`
	DeviceVersions        []int  `json:"device_versions,omitempty"`
	FinalVersions         []int  `json:"se_firmware_final_versions,omitempty"`
}

// OsuFirmware is the intermediate image installed before a final firmware
type OsuFirmware struct {
	ID                      int    `json:"id"`
	Name                    string `json:"name"`
	DisplayName             string `json:"display_name,omitempty"`
	Description             string `json:"description,omitempty"`
	Notes                   string `json:"notes,omitempty"`
	Perso                   string `json:"perso"`
	Hash                    string `json:"hash"`
	Firmware                string `json:"firmware"`
	FirmwareKey             string `json:"firmware_key"`
	NextFinalFirmwareID     int    `json:"next_se_firmware_final_version"`
	PreviousFinalFirmwareID int    `json:"previous_se_firmware_final_version"`
	DeviceVersions          []int  `json:"device_versions,omitempty"`
	Providers               []int  `json:"providers,omitempty"`
	ShouldFlashMcu          bool   `json:"shouldFlashMcu,omitempty"`
}

// FinalFirmware is a released secure element firmware
type FinalFirmware struct {
	ID                  int    `json:"id"`
	Name                string `json:"name"`
	Version             string `json:"version"`
	DisplayName         string `json:"display_name,omitempty"`
	Description         string `json:"description,omitempty"`
	Notes               string `json:"notes,omitempty"`
	Perso               string `json:"perso"`
	Hash                string `json:"hash"`
	Firmware            string `json:"firmware"`
	FirmwareKey         string `json:"firmware_key"`
	DeviceVersions      []int  `json:"device_versions,omitempty"`
	McuVersions         []int  `json:"mcu_versions"`
	OsuVersions         []int  `json:"osu_versions,omitempty"`
	ApplicationVersions []int  `json:"application_versions,omitempty"`
	Providers           []int  `json:"providers,omitempty"`
}

// DeviceVersion is a hardware model known to the backend
type DeviceVersion struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name,omitempty"`
	TargetID    json.Number `json:"target_id"`
	Description string      `json:"description,omitempty"`
	Providers   []int       `json:"providers,omitempty"`
}

// UpdateContext is the plan for a firmware update
type UpdateContext struct {
	Osu            *OsuFirmware
	Final          FinalFirmware
	ShouldFlashMcu bool
}

type latestFirmwareResponse struct {
	Result string       `json:"result"`
	Osu    *OsuFirmware `json:"se_firmware_osu_version"`
}

type appsResponse struct {
	ApplicationVersions []ApplicationVersion `json:"application_versions"`
}
