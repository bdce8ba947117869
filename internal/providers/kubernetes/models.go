package kubernetes

// InClusterContext is the ContextName reported for in-cluster configuration.
const InClusterContext = "in-cluster"

// ClusterInfo identifies the Kubernetes cluster the checkpoint ConfigMap
// lives in and how the collector reached it.
type ClusterInfo struct {
	// ContextName is the kubeconfig context name used to connect, or
	// InClusterContext.
	ContextName string

	// Server is the Kubernetes API server URL.
	Server string

	// InCluster is true when the pod's service account was used.
	InCluster bool
}
