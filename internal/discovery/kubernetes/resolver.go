package kubernetes

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const (
	// LabelEnabled opts a Service into discovery.
	LabelEnabled = "xcipher-enabled"
	// LabelServerID names the server a Service exposes.
	LabelServerID = "xcipher-server-id"

	resyncPeriod = 10 * time.Minute
)

// Resolver maps server names to Service cluster IPs using an informer cache.
type Resolver struct {
	store     cache.Store
	namespace string
	stopCh    chan struct{}
}

// NewResolver starts a Service informer and waits for its first sync.
// namespace is preferred when a bare service name matches in several
// namespaces.
func NewResolver(ctx context.Context, clientset kubernetes.Interface, namespace string) (*Resolver, error) {
	factory := informers.NewSharedInformerFactory(clientset, resyncPeriod)
	serviceInformer := factory.Core().V1().Services().Informer()

	stopCh := make(chan struct{})
	factory.Start(stopCh)

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), serviceInformer.HasSynced) {
		close(stopCh)
		return nil, fmt.Errorf("service informer did not sync: %w", context.Cause(syncCtx))
	}

	return &Resolver{
		store:     serviceInformer.GetStore(),
		namespace: namespace,
		stopCh:    stopCh,
	}, nil
}

// Close stops the informer.
func (r *Resolver) Close() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Resolve returns the ClusterIP of the Service serving name. Labelled
// Services win over name matches. IP literals are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if _, err := netip.ParseAddr(name); err == nil {
		return name, nil
	}

	svcName, svcNamespace, qualified := strings.Cut(name, ".")

	var byName, byNameOther *corev1.Service
	for _, obj := range r.store.List() {
		svc, ok := obj.(*corev1.Service)
		if !ok || !hasClusterIP(svc) {
			continue
		}

		labels := svc.Labels
		if labels[LabelEnabled] == "true" && labels[LabelServerID] == name {
			return svc.Spec.ClusterIP, nil
		}

		if svc.Name != svcName {
			continue
		}
		switch {
		case qualified && svc.Namespace == svcNamespace:
			byName = svc
		case !qualified && svc.Namespace == r.namespace:
			byName = svc
		case !qualified && byNameOther == nil:
			byNameOther = svc
		}
	}

	if byName != nil {
		return byName.Spec.ClusterIP, nil
	}
	if byNameOther != nil {
		return byNameOther.Spec.ClusterIP, nil
	}
	return "", fmt.Errorf("service not found for server '%s'", name)
}

func hasClusterIP(svc *corev1.Service) bool {
	ip := svc.Spec.ClusterIP
	return ip != "" && ip != corev1.ClusterIPNone
}
