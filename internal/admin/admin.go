// Package admin is the programmatic administration surface: cluster setup,
// resource and instance management.
package admin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Admin performs cluster administration against the coordination store.
type Admin struct {
	accessor *store.Accessor
	logger   *zap.Logger
}

func New(st store.Store, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{
		accessor: store.NewAccessor(st),
		logger:   logger.Named("admin"),
	}
}

// CreateCluster materializes the cluster path skeleton, writes an empty
// cluster config and registers the built-in state models. Creating an
// existing cluster is an error; partially created paths are rolled back.
func (a *Admin) CreateCluster(ctx context.Context, cluster string) error {
	keys := store.NewKeyBuilder(cluster)

	if ok, _, err := a.accessor.Store().Exists(ctx, keys.Cluster()); err != nil {
		return fmt.Errorf("check cluster %s: %w", cluster, err)
	} else if ok {
		return fmt.Errorf("%w: cluster %s", herrors.ErrNodeExists, cluster)
	}

	var created []string
	rollback := func() { a.accessor.RollbackCreated(ctx, created) }

	for _, path := range keys.ClusterPaths() {
		made, err := a.accessor.CreateRecursive(ctx, path, nil, store.Persistent)
		created = append(created, made...)
		if err != nil && !errors.Is(err, herrors.ErrNodeExists) {
			rollback()
			return fmt.Errorf("create cluster path %s: %w", path, err)
		}
	}

	cfg := model.NewClusterConfig(cluster)
	made, err := a.accessor.CreateRecord(ctx, keys.ClusterConfig(), cfg.Record, store.Persistent)
	created = append(created, made...)
	if err != nil {
		rollback()
		return fmt.Errorf("create cluster config: %w", err)
	}

	for _, def := range model.BuiltInStateModels() {
		made, err := a.accessor.CreateRecord(ctx, keys.StateModelDef(def.Name()), def.Record, store.Persistent)
		created = append(created, made...)
		if err != nil {
			rollback()
			return fmt.Errorf("register state model %s: %w", def.Name(), err)
		}
	}

	a.logger.Info("cluster created", zap.String("cluster", cluster))
	return nil
}

// DropCluster removes the cluster and everything under it.
func (a *Admin) DropCluster(ctx context.Context, cluster string) error {
	keys := store.NewKeyBuilder(cluster)
	return a.accessor.DeleteRecursive(ctx, keys.Cluster())
}

// AddInstance writes the instance's participant config. The instance can join
// as a participant once configured.
func (a *Admin) AddInstance(ctx context.Context, cluster string, cfg *model.InstanceConfig) error {
	keys := store.NewKeyBuilder(cluster)
	path := keys.ParticipantConfig(cfg.InstanceName())
	if _, err := a.accessor.CreateRecord(ctx, path, cfg.Record, store.Persistent); err != nil {
		return fmt.Errorf("add instance %s: %w", cfg.InstanceName(), err)
	}
	a.logger.Info("instance added", zap.String("cluster", cluster), zap.String("instance", cfg.InstanceName()))
	return nil
}

// DropInstance removes the instance config. Live instances cannot be dropped.
func (a *Admin) DropInstance(ctx context.Context, cluster, instance string) error {
	keys := store.NewKeyBuilder(cluster)
	if ok, _, err := a.accessor.Store().Exists(ctx, keys.LiveInstance(instance)); err != nil {
		return fmt.Errorf("check live instance %s: %w", instance, err)
	} else if ok {
		return fmt.Errorf("%w: instance %s is live", herrors.ErrConfigInvalid, instance)
	}
	if err := a.accessor.Delete(ctx, keys.ParticipantConfig(instance)); err != nil {
		return fmt.Errorf("drop instance %s: %w", instance, err)
	}
	return a.accessor.DeleteRecursive(ctx, keys.Instance(instance))
}

// SetInstanceEnabled toggles the instance's enabled flag, which the next
// pipeline run observes through the config watch.
func (a *Admin) SetInstanceEnabled(ctx context.Context, cluster, instance string, enabled bool) error {
	keys := store.NewKeyBuilder(cluster)
	path := keys.ParticipantConfig(instance)
	_, err := a.accessor.UpdateRecord(ctx, path, instance, func(rec *model.Record) error {
		cfg := &model.InstanceConfig{Record: rec}
		cfg.SetEnabled(enabled)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set instance %s enabled=%v: %w", instance, enabled, err)
	}
	return nil
}

// AddResource writes the resource's ideal state. The referenced state model
// must already be registered.
func (a *Admin) AddResource(ctx context.Context, cluster string, is *model.IdealState) error {
	keys := store.NewKeyBuilder(cluster)

	defName := is.StateModelDefRef()
	if defName == "" {
		return fmt.Errorf("%w: resource %s has no state model", herrors.ErrConfigInvalid, is.ResourceName())
	}
	if ok, _, err := a.accessor.Store().Exists(ctx, keys.StateModelDef(defName)); err != nil {
		return fmt.Errorf("check state model %s: %w", defName, err)
	} else if !ok {
		return fmt.Errorf("%w: state model %s not registered", herrors.ErrConfigInvalid, defName)
	}
	if is.NumPartitions() <= 0 {
		return fmt.Errorf("%w: resource %s has no partitions", herrors.ErrConfigInvalid, is.ResourceName())
	}

	path := keys.IdealState(is.ResourceName())
	if _, err := a.accessor.CreateRecord(ctx, path, is.Record, store.Persistent); err != nil {
		return fmt.Errorf("add resource %s: %w", is.ResourceName(), err)
	}
	a.logger.Info("resource added",
		zap.String("cluster", cluster),
		zap.String("resource", is.ResourceName()),
		zap.Int("partitions", is.NumPartitions()))
	return nil
}

// DropResource removes the resource's ideal state; the controller drops its
// replicas and external view on the next run.
func (a *Admin) DropResource(ctx context.Context, cluster, resource string) error {
	keys := store.NewKeyBuilder(cluster)
	return a.accessor.Delete(ctx, keys.IdealState(resource))
}

// AddStateModelDef registers a custom state model. The definition must
// validate.
func (a *Admin) AddStateModelDef(ctx context.Context, cluster string, def *model.StateModelDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", herrors.ErrConfigInvalid, err)
	}
	keys := store.NewKeyBuilder(cluster)
	if _, err := a.accessor.CreateRecord(ctx, keys.StateModelDef(def.Name()), def.Record, store.Persistent); err != nil {
		return fmt.Errorf("add state model %s: %w", def.Name(), err)
	}
	return nil
}

// UpdateClusterConfig applies fn to the cluster config record.
func (a *Admin) UpdateClusterConfig(ctx context.Context, cluster string, fn func(*model.ClusterConfig) error) error {
	keys := store.NewKeyBuilder(cluster)
	_, err := a.accessor.UpdateRecord(ctx, keys.ClusterConfig(), cluster, func(rec *model.Record) error {
		return fn(&model.ClusterConfig{Record: rec})
	})
	return err
}
