// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、Fork/Join、实例锁与数据库四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。nil Collector 可以安全调用，
引擎在未配置指标时无需判空。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - Fork/Join 指标：按模式统计 fork 次数，按结果统计 join 评估
    （advanced/paused/inconsistent），挂起与恢复计数，分支失败计数。
  - 锁指标：实例锁等待耗时 Histogram 与重试耗尽计数。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
