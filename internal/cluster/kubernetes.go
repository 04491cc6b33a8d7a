// Package cluster provides the ClusterBackend implementations that create,
// list and delete execution units.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"podlauncher/internal/launcher"
)

const (
	mainContainerName = "main"
	configVolumeName  = "launcher-config"
	configMapSuffix   = "-config"
)

// KubernetesConfig holds configuration for the Kubernetes backend.
type KubernetesConfig struct {
	// Namespace where execution pods are created and listed
	Namespace string
	// ServiceAccount for execution pods (optional)
	ServiceAccount string
	// Default resource limits, used when a launch does not set its own
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

func (c KubernetesConfig) withDefaults() KubernetesConfig {
	if c.Namespace == "" {
		c.Namespace = launcher.DefaultNamespace
	}
	if c.DefaultCPULimit == "" {
		c.DefaultCPULimit = "500m"
	}
	if c.DefaultMemoryLimit == "" {
		c.DefaultMemoryLimit = "256Mi"
	}
	return c
}

// KubernetesBackend runs every execution as a bare pod. Init files are stored
// in a ConfigMap owned by the pod, so deleting the pod removes them too.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	logger    *slog.Logger
}

var _ launcher.ClusterBackend = (*KubernetesBackend)(nil)

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesBackend creates a Kubernetes backend.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesBackend(cfg KubernetesConfig, logger *slog.Logger) (*KubernetesBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		logger.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return NewKubernetesBackendForClient(clientset, cfg, logger), nil
}

// NewKubernetesBackendForClient creates a backend on top of an existing clientset.
func NewKubernetesBackendForClient(clientset kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *KubernetesBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &KubernetesBackend{
		clientset: clientset,
		config:    cfg.withDefaults(),
		logger:    logger,
	}
}

// ListNonTerminalUnits returns the pods labelled labelKey=labelValue that have
// not succeeded or failed. Pods that are being deleted are still listed.
func (k *KubernetesBackend) ListNonTerminalUnits(ctx context.Context, labelKey, labelValue string) ([]launcher.UnitRef, error) {
	selector := labels.SelectorFromSet(labels.Set{labelKey: labelValue})
	pods, err := k.clientset.CoreV1().Pods(k.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var refs []launcher.UnitRef
	for _, pod := range pods.Items {
		if isTerminalPhase(pod.Status.Phase) {
			continue
		}
		refs = append(refs, launcher.UnitRef{Namespace: pod.Namespace, Name: pod.Name})
	}
	return refs, nil
}

// Delete removes the pod with foreground propagation. A missing pod is not an error.
func (k *KubernetesBackend) Delete(ctx context.Context, ref launcher.UnitRef) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.CoreV1().Pods(k.namespace(ref.Namespace)).Delete(ctx, ref.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", ref, err)
	}
	k.logger.Info("deleted pod", "pod", ref.String())
	return nil
}

// Create starts the pod for id and then stores its init files in a ConfigMap
// owned by it. The pod waits in ContainerCreating until the ConfigMap exists.
func (k *KubernetesBackend) Create(ctx context.Context, id launcher.ExecutionIdentity, spec launcher.UnitSpec) error {
	namespace := k.namespace(id.Namespace)

	resources, err := k.resources(spec.Resources)
	if err != nil {
		return err
	}

	pod := k.buildPod(namespace, id.Name, spec, resources)
	created, err := k.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod %s: %w", id, err)
	}

	configMap := buildConfigMap(created, spec)
	if _, err := k.clientset.CoreV1().ConfigMaps(namespace).Create(ctx, configMap, metav1.CreateOptions{}); err != nil {
		// Without its files the pod can never start.
		if delErr := k.Delete(ctx, id.Ref()); delErr != nil {
			k.logger.Error("failed to remove pod after config map failure", "pod", id.String(), "error", delErr)
		}
		return fmt.Errorf("failed to create config map for %s: %w", id, err)
	}

	k.logger.Info("created pod", "pod", id.String(), "image", spec.Image)
	return nil
}

// UnitState reports whether the pod for id exists and whether it has finished.
func (k *KubernetesBackend) UnitState(ctx context.Context, id launcher.ExecutionIdentity) (launcher.UnitState, error) {
	pod, err := k.clientset.CoreV1().Pods(k.namespace(id.Namespace)).Get(ctx, id.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return launcher.UnitMissing, nil
	}
	if err != nil {
		return launcher.UnitMissing, fmt.Errorf("failed to get pod %s: %w", id, err)
	}
	if isTerminalPhase(pod.Status.Phase) {
		return launcher.UnitTerminal, nil
	}
	return launcher.UnitActive, nil
}

func (k *KubernetesBackend) namespace(ns string) string {
	if ns == "" {
		return k.config.Namespace
	}
	return ns
}

func (k *KubernetesBackend) buildPod(namespace, name string, spec launcher.UnitSpec, resources corev1.ResourceRequirements) *corev1.Pod {
	var envVars []corev1.EnvVar
	for _, key := range slices.Sorted(maps.Keys(spec.Env)) {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	var ports []corev1.ContainerPort
	for _, port := range slices.Sorted(maps.Keys(spec.Ports)) {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(port), Protocol: corev1.ProtocolTCP})
	}

	configDir := spec.ConfigDir
	if configDir == "" {
		configDir = launcher.DefaultConfigDir
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    maps.Clone(spec.Labels),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      mainContainerName,
					Image:     spec.Image,
					Command:   spec.Command,
					Env:       envVars,
					Ports:     ports,
					Resources: resources,
					VolumeMounts: []corev1.VolumeMount{
						{Name: configVolumeName, MountPath: configDir, ReadOnly: true},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: configVolumeName,
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: name + configMapSuffix},
						},
					},
				},
			},
		},
	}

	// Set service account if configured
	if k.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return pod
}

func buildConfigMap(owner *corev1.Pod, spec launcher.UnitSpec) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      owner.Name + configMapSuffix,
			Namespace: owner.Namespace,
			Labels:    maps.Clone(spec.Labels),
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: "v1",
					Kind:       "Pod",
					Name:       owner.Name,
					UID:        owner.UID,
				},
			},
		},
		BinaryData: maps.Clone(spec.Files),
	}
}

// resources merges the requested quantities with the backend defaults.
func (k *KubernetesBackend) resources(req launcher.ResourceRequirements) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}

	set := func(list corev1.ResourceList, name corev1.ResourceName, value, fallback string) error {
		if value == "" {
			value = fallback
		}
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid %s quantity %q: %w", name, value, err)
		}
		list[name] = q
		return nil
	}

	if err := set(out.Limits, corev1.ResourceCPU, req.CPULimit, k.config.DefaultCPULimit); err != nil {
		return out, err
	}
	if err := set(out.Limits, corev1.ResourceMemory, req.MemoryLimit, k.config.DefaultMemoryLimit); err != nil {
		return out, err
	}
	if err := set(out.Requests, corev1.ResourceCPU, req.CPURequest, ""); err != nil {
		return out, err
	}
	if err := set(out.Requests, corev1.ResourceMemory, req.MemoryRequest, ""); err != nil {
		return out, err
	}
	if len(out.Requests) == 0 {
		out.Requests = nil
	}
	return out, nil
}

func isTerminalPhase(phase corev1.PodPhase) bool {
	return phase == corev1.PodSucceeded || phase == corev1.PodFailed
}
