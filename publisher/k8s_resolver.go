package publisher

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// K8sResolver resolves a channel name to a Kubernetes Service's cluster
// IP, for deployments where nodes run as pods and channels are named
// after their Service objects rather than configured statically. This
// is an alternative to StaticResolver for cluster deployments; nothing
// else in the publisher depends on which resolver is wired in.
type K8sResolver struct {
	clientset *kubernetes.Clientset
	namespace string
	basePort  int
}

// NewK8sResolver builds a resolver backed by the in-cluster config when
// available, falling back to a kubeconfig file otherwise.
func NewK8sResolver(kubeconfigPath, namespace string, basePort int) (*K8sResolver, error) {
	cfg, err := loadKubeConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("publisher: load kube config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("publisher: create kubernetes clientset: %w", err)
	}
	return &K8sResolver{clientset: clientset, namespace: namespace, basePort: basePort}, nil
}

// Resolve implements AddressResolver by looking up the named Service's
// cluster IP in the configured namespace.
func (r *K8sResolver) Resolve(channel string) (net.IP, int, error) {
	svc, err := r.clientset.CoreV1().Services(r.namespace).Get(context.Background(), channel, metav1.GetOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("publisher: lookup service %q: %w", channel, err)
	}
	if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == corev1.ClusterIPNone {
		return nil, 0, fmt.Errorf("publisher: service %q has no cluster ip", channel)
	}
	ip := net.ParseIP(svc.Spec.ClusterIP)
	if ip == nil {
		return nil, 0, fmt.Errorf("publisher: service %q has unparseable cluster ip %q", channel, svc.Spec.ClusterIP)
	}
	return ip, r.basePort, nil
}

func loadKubeConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}
	if _, err := os.Stat(kubeconfigPath); err != nil {
		return nil, fmt.Errorf("kubeconfig not found at %s: %w", kubeconfigPath, err)
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}
