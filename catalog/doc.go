// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 catalog 从目录加载活动图定义并注册到引擎，可选地监听目录变化
实现图定义热更新。

# 加载

LoadDir 按文件名顺序读取目录中的 .yaml / .yml / .json 文件，
逐个 Build 并调用 Registrar.RegisterGraph。单个文件失败不会阻止
其余文件加载，所有错误通过 multierr 合并返回。

# 监听

Watcher 以轮询方式检测文件的创建、修改与删除，经过防抖后重新加载
发生变化的定义。同一 ID 的图被新版本替换；已删除文件对应的图保持
注册状态，以免正在挂起的流程实例失去其活动图。
*/
package catalog
