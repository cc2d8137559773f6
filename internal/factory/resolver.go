package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/hasirciogluhq/xcipher/internal/config"
	"github.com/hasirciogluhq/xcipher/internal/core"
	"github.com/hasirciogluhq/xcipher/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xcipher/internal/discovery/memory"
	"github.com/hasirciogluhq/xcipher/internal/logger"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ResolverFactory creates server resolvers based on configuration
type ResolverFactory struct {
	cfg *config.Config

	// NewClientset builds the Kubernetes client; defaults to k8s.NewForConfig.
	NewClientset func(*rest.Config) (k8s.Interface, error)
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config) *ResolverFactory {
	return &ResolverFactory{cfg: cfg}
}

// Create creates a server resolver based on configuration
func (f *ResolverFactory) Create(ctx context.Context) (core.ServerResolver, error) {
	switch f.cfg.DiscoveryMode {
	case config.DiscoveryNone, "":
		return passthrough{}, nil
	case config.DiscoveryStatic:
		return f.createStaticResolver()
	case config.DiscoveryKubernetes:
		return f.createKubernetesResolver(ctx)
	default:
		return nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}
}

// passthrough hands the name to the endpoint resolver untouched.
type passthrough struct{}

func (passthrough) Resolve(_ context.Context, name string) (string, error) {
	return name, nil
}

func (f *ResolverFactory) createStaticResolver() (core.ServerResolver, error) {
	logger.Debug("Creating Static Server Resolver", "servers", f.cfg.StaticServers)

	resolver, err := memory.NewResolver(f.cfg.StaticServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create static resolver: %w", err)
	}

	return resolver, nil
}

func (f *ResolverFactory) createKubernetesResolver(ctx context.Context) (core.ServerResolver, error) {
	logger.Debug("Creating Kubernetes Server Resolver",
		"runtime", f.cfg.Runtime,
		"namespace", f.cfg.Namespace,
		"kubeconfig", f.cfg.KubeConfigPath,
		"context", f.cfg.KubeContext)

	restConfig, err := f.restConfig()
	if err != nil {
		return nil, err
	}

	newClientset := f.NewClientset
	if newClientset == nil {
		newClientset = func(c *rest.Config) (k8s.Interface, error) { return k8s.NewForConfig(c) }
	}
	clientset, err := newClientset(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	resolver, err := kubernetes.NewResolver(ctx, clientset, f.cfg.Namespace)
	if err != nil {
		return nil, err
	}
	logger.Debug("Kubernetes resolver created successfully")
	return resolver, nil
}

// restConfig tries the kubeconfig first and falls back to in-cluster config.
func (f *ResolverFactory) restConfig() (*rest.Config, error) {
	kubeconfig := f.cfg.KubeConfigPath

	// Outside a cluster the default kubeconfig location is the best guess
	if f.cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = home + "/.kube/config"
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if f.cfg.KubeContext != "" {
		configOverrides.CurrentContext = f.cfg.KubeContext
	}

	if kubeconfig != "" {
		restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()
		if err == nil {
			return restConfig, nil
		}
		logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
	}
	return restConfig, nil
}
