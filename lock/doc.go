// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package lock 提供按流程实例加锁的互斥原语。

# 概述

Join 网关的"读取-计数-决策-写入"序列必须对同一流程实例线性化。
lock 包定义了 Locker / Lease 接口，并提供两种实现：

  - MemoryLocker：单进程内存锁，用于测试与单机部署
  - RedisLocker：基于 SET NX PX 与 Lua 校验释放的分布式锁

Acquire 在 TryLock 之上实现有界重试与指数退避，重试耗尽时返回 ErrExhausted。
*/
package lock
