// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供 workflow.TokenStore 与 workflow.SnapshotStore 的
持久化后端实现。

# 后端

  - MemoryStore：进程内 map，适用于开发、测试与单进程部署
  - RedisStore：Hash 保存 token，Set 索引活跃 token，String 保存快照
  - GormStore：flowgate_tokens / flowgate_snapshots 两张表，支持
    PostgreSQL、MySQL 与 SQLite，Schema 由 internal/migration 维护
  - BoltStore：单文件 bbolt 数据库，按流程实例划分嵌套 bucket
  - MongoStore：tokens / snapshots 两个集合，复合 _id 去重

# 语义

所有后端遵循相同约定：SaveToken 按 (流程实例, token ID) 插入或覆盖；
MarkDone 对未知 token 执行 upsert，保证消费记录不丢失；FindToken 对
未知 token 返回 workflow.ErrTokenNotFound；LoadSnapshot 对未知实例返回
workflow.ErrSnapshotNotFound；FindActiveTokens 按创建时间、再按 ID 排序。

# 工厂

Open 根据 config.StoreConfig 创建后端，并在 Close 时释放其独占的
连接与文件句柄。
*/
package persistence
