package rediskey

import "fmt"

const (
	AppPrefix   = "provisioner"
	LeasePrefix = "provisioner:lease"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLeaseKey returns "provisioner:lease:{name}"
func BuildLeaseKey(name string) string {
	return NamespaceKey(LeasePrefix, name)
}
