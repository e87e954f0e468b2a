// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package workflow 提供可恢复、可持久化的 fork/join 同步引擎。

# 概述

活动图由 Activity（start / task / gateway / end）与 Transition 组成。
网关的角色由连线基数推导：多出单入为 fork，单出多入为 join，其余组合
视为配置错误并立即终止流程实例。引擎保证每个 join 对每次 fork 恰好
推进一次，即使各分支在不同进程中完成、或在重启之后才被恢复。

# 核心类型

  - Graph / Activity / Transition：活动图模型，Classify 推导网关角色
  - GraphDefinition：YAML / JSON 图定义，Build 生成 Graph
  - Token：控制流位置，ID 标识一次逻辑到达
  - TokenStore / SnapshotStore：持久化接口，实现位于 persistence 包
  - Ledger：合并本次执行的内存 token 与持久 token
  - Engine：Run / Resume 入口，驱动 fork 与 join
  - Executor：并发 fork 的"全部提交、全部等待"执行器
  - ActivityHandler：业务活动，返回 Suspend() 挂起分支

# Fork 模式

  - ModeSequential：按声明顺序在调用方 goroutine 上逐个执行分支
  - ModeConcurrent：每个分支提交到 Executor，等待全部完成，首个错误胜出
  - ModeAsyncSequential：按声明顺序执行，首个分支写入挂起标记，
    分支挂起时停止并在恢复后继续剩余分支

# Join 语义

Join 评估在流程实例锁内完成：写入到达 token，合并内存与存储视图并按
token ID 去重，到达数等于入边数时消费全部 token 并向下游推进；小于时
暂停；大于时返回 ConsistencyError，绝不推进。
*/
package workflow
