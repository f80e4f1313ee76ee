package config

// CLAConfig describes convergence-layer endpoints and dialing behavior.
// Example YAML:
// cla:
//   layers:
//     - kind: tcp
//       listen: [":4556"]
//       peers:
//         - address: "10.0.0.2:4556"
//           node: "dtn://beta"
//     - kind: quic
//       listen: [":4556"]
//     - kind: ws
//       listen: [":8556"]
//     - kind: winpipe
//       listen: ["\\\\.\\pipe\\dtnmesh"]
type CLAConfig struct {
	Layers []CLALayerConfig `mapstructure:"layers"`

	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`

	// ContactSkewSec bounds the accepted clock skew of contact frames.
	ContactSkewSec int `mapstructure:"contact_skew_sec"`

	// TransferTimeoutSec aborts a transfer whose ack did not arrive in time.
	TransferTimeoutSec int `mapstructure:"transfer_timeout_sec"`
}

// CLALayerConfig describes one convergence-layer kind with its
// listen endpoints and static peers to dial on startup.
type CLALayerConfig struct {
	Kind   string          `mapstructure:"kind"`
	Listen []string        `mapstructure:"listen"`
	Peers  []CLAPeerConfig `mapstructure:"peers"`
}

// CLAPeerConfig describes a static neighbor to dial.
type CLAPeerConfig struct {
	Address string `mapstructure:"address"`
	// Node is the expected node EID; learned from the contact frame when empty.
	Node string `mapstructure:"node"`
}
