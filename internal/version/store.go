package version

import "context"

// Store 抽象版本状态的持久化。StartUpdate 与 FinishUpdate 必须是原子的比较并交换操作。
type Store interface {
	// Load 返回插件记录，插件不存在时返回只填充了 Plugin 的零值。
	Load(ctx context.Context, plugin string) (Record, error)
	// AddKnown 记录远程版本并分配顺序号；版本已存在时只刷新检查时间，created 为 false。
	AddKnown(ctx context.Context, k Known) (stored Known, created bool, err error)
	Known(ctx context.Context, plugin string) ([]Known, error)
	Updates(ctx context.Context, plugin string) ([]Update, error)
	GetUpdate(ctx context.Context, id string) (Update, error)
	// StartUpdate 仅在 pending 为空时把 pending 置为 u.Version 并写入升级记录，否则返回 ErrInFlight。
	StartUpdate(ctx context.Context, u Update) error
	// FinishUpdate 结束 pending 升级 u；u.Status 为 installed 时同时替换已安装版本并归档旧记录。
	// u 不是当前 pending 时返回 ErrStaleUpdate。
	FinishUpdate(ctx context.Context, u Update) error
	SetFrozen(ctx context.Context, plugin string, frozen bool) error
	SetChosen(ctx context.Context, plugin, version string) error
	// ClearInstalled 清空已安装版本、选择与冻结标记。
	ClearInstalled(ctx context.Context, plugin string) error
	Close() error
}
