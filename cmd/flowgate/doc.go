// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 flowgate 的命令行入口。

# 概述

cmd/flowgate 把 fork/join 引擎组装为可执行程序：按配置选择令牌存储
（memory、redis、database、bolt、mongo）、实例锁（memory、redis）与
并发 fork 执行器（pool、errgroup），加载图定义目录，并通过 HTTP API
暴露 Run / Resume / 令牌查询 / 执行历史。

# 子命令

  - serve   启动 API 与 metrics 两个监听器，SIGINT / SIGTERM 时优雅关闭
  - run     在本进程内执行一个图定义文件并打印结果
  - resume  恢复挂起的分支，需要持久化存储才能跨进程使用
  - migrate 管理 database 存储的表结构
  - health  请求 /health，https 地址使用加固的 TLS 客户端
  - version 打印构建信息

# 中间件链

Recovery → RequestID → SecurityHeaders → RequestLogger →
MetricsMiddleware → OTelTracing → RateLimiter（基于 IP）

# 内置处理器

图定义可以通过 handler 字段引用 await（挂起直到 resume）与 log。
*/
package main
