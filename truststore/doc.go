// Package truststore implements trust-on-first-use verification of remote
// host identities.
//
// A Store keeps one fingerprint per host and persists every change to disk
// before reporting success. A Verifier applies one of the trust policies on
// top of a Store and is plugged into the ssh transport as a host key callback.
//
//	store := truststore.Load("known_hosts.json", logger)
//	verifier := truststore.NewVerifier(store, truststore.Strict, nil, logger)
//
//	auth, err := credential.New(keyPath, "git", nil).
//		WithHostKeyCallback(verifier.HostKeyCallback()).
//		AuthMethod("git@github.com:org/repo.git")
package truststore
