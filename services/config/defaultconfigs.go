package config

// Embedded configuration.
// Key: device ID (placed in ctx with WithDevice)
// Val: raw JSON bytes for that device

const cfgBench = `{
  "qi": {
    "params": {"kickPct": 15, "holdPct": 5, "kickMs": 200},
    "period_ms": 20
  },
  "motors": {"driver": "recorder"},
  "pm": {"direct": false, "interval_ms": 100},
  "telemetry": {
    "interval_ms": 200,
    "columns": ["pm.batteryLevel", "pm.chargeCurrent", "pm.state", "pm.vbat", "custom_qi.state", "custom_qi.charging"]
  }
}`

const cfgCarrier = `{
  "qi": {
    "params": {"kickPct": 15, "holdPct": 5, "kickMs": 200, "pmChargingValue": 1},
    "period_ms": 20,
    "abort_kick_on_disable": false
  },
  "motors": {"driver": "can", "can_interface": "can0", "can_base_id": 768, "refresh_ms": 50},
  "pm": {"direct": true, "interval_ms": 100, "cells": 1, "rsnsb_uohm": 10000, "low_mv": 3200, "shutdown_mv": 3000},
  "console": {"port": "/dev/ttyUSB0", "baud": 115200},
  "telemetry": {
    "interval_ms": 200,
    "path": "/var/log/qifan/power.csv",
    "columns": ["pm.batteryLevel", "pm.chargeCurrent", "pm.state", "pm.vbat"]
  },
  "mqtt": {"broker": "tcp://localhost:1883", "client_id": "qifan", "prefix": "qifan"}
}`

var embeddedConfigs = map[string][]byte{
	"bench":   []byte(cfgBench),
	"carrier": []byte(cfgCarrier),
}
