package checkpoint

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// ConfigMapStore keeps every source's checkpoint as a <key>.json entry in a
// single ConfigMap. Updates carry the object's resourceVersion, so a
// concurrent writer causes a conflict that is retried against fresh data
// rather than a lost update.
type ConfigMapStore struct {
	Client    k8sclient.Interface
	Namespace string
	Name      string
}

// NewConfigMapStore returns a ConfigMapStore.
func NewConfigMapStore(client k8sclient.Interface, namespace, name string) *ConfigMapStore {
	return &ConfigMapStore{Client: client, Namespace: namespace, Name: name}
}

func dataKey(source string) string { return Key(source) + ".json" }

// Load reads the source's entry from the ConfigMap.
func (s *ConfigMapStore) Load(ctx context.Context, source string) (Checkpoint, error) {
	cm, err := s.Client.CoreV1().ConfigMaps(s.Namespace).Get(ctx, s.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("get configmap %s/%s: %w", s.Namespace, s.Name, err)
	}
	raw, ok := cm.Data[dataKey(source)]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return Decode([]byte(raw))
}

// Save writes the source's entry, creating the ConfigMap when needed.
func (s *ConfigMapStore) Save(ctx context.Context, source string, cp Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	cms := s.Client.CoreV1().ConfigMaps(s.Namespace)

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := cms.Get(ctx, s.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = cms.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      s.Name,
					Namespace: s.Namespace,
					Labels:    map[string]string{managedByLabel: "sfc"},
				},
				Data: map[string]string{dataKey(source): string(data)},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// lost a create race; retry as an update
				return apierrors.NewConflict(corev1.Resource("configmaps"), s.Name, err)
			}
			return err
		}
		if err != nil {
			return err
		}

		updated := cm.DeepCopy()
		if updated.Data == nil {
			updated.Data = map[string]string{}
		}
		updated.Data[dataKey(source)] = string(data)
		_, err = cms.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("save checkpoint to configmap %s/%s: %w", s.Namespace, s.Name, err)
	}
	return nil
}

// Check confirms the namespace is reachable through the API server.
func (s *ConfigMapStore) Check(ctx context.Context) (string, error) {
	if _, err := s.Client.CoreV1().Namespaces().Get(ctx, s.Namespace, metav1.GetOptions{}); err != nil {
		return "", fmt.Errorf("get namespace %s: %w", s.Namespace, err)
	}
	return fmt.Sprintf("configmap %s/%s", s.Namespace, s.Name), nil
}
