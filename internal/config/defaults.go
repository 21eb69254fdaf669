package config

// DefaultHost binds the device endpoint on every interface.
const DefaultHost = "0.0.0.0"

// DefaultPort is the port AutoX devices dial by default.
const DefaultPort = 9317

// DefaultLogLevel is used when neither the file nor the CLI sets one.
const DefaultLogLevel = "info"

// DefaultHistoryLimit bounds the "last connected devices" list.
const DefaultHistoryLimit = 20

// HistoryDisabled as history_db turns connection history off.
const HistoryDisabled = "off"
