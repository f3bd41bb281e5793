package dht

import "strings"

// DHT key construction. The libp2p record layer requires keys of the form
// /<namespace>/<key>; the Chiral namespace holds every record type below.
const (
	recordNamespace = "chiral"

	fileKeyPrefix      = "chiral_file_"
	hostKeyPrefix      = "chiral_host_"
	hostRegistryKey    = "chiral_host_registry"
	agreementKeyPrefix = "chiral_agreement_"
)

// FileKey is the record key for a file manifest, by hex Merkle root.
func FileKey(fileHash string) string {
	return fileKeyPrefix + fileHash
}

// HostKey is the record key for a host advertisement.
func HostKey(peerID string) string {
	return hostKeyPrefix + peerID
}

// HostRegistryKey is the record key of the shared host registry list.
func HostRegistryKey() string {
	return hostRegistryKey
}

// AgreementKey is the record key for a hosting agreement.
func AgreementKey(agreementID string) string {
	return agreementKeyPrefix + agreementID
}

// routingKey maps a Chiral record key onto the record layer's namespaced
// form the swarm's validator accepts.
func routingKey(key string) string {
	return "/" + recordNamespace + "/" + key
}

// IsChiralKey reports whether a routing key belongs to the Chiral record
// namespace.
func IsChiralKey(key string) bool {
	return strings.HasPrefix(key, "/"+recordNamespace+"/")
}
