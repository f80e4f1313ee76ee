package config

// IdentityConfig describes the node key used to sign contact frames.
// When neither source is set, a key is generated at startup and written
// to <data_dir>/identity.key.
type IdentityConfig struct {
	Alg            string `mapstructure:"alg"`              // only ed25519 is supported
	PrivateKey     string `mapstructure:"private_key"`      // base64url (no padding) of the raw private key
	PrivateKeyFile string `mapstructure:"private_key_file"` // path to a file with base64 or raw key bytes
}
