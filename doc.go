/*
Package chatgateway - 聊天请求网关

网关分为两部分：
1. API Gateway - 校验 /chat 请求、模型白名单，并把请求交给 Agent
2. Agent Gateway - 调用外部 Agent 服务，负责并发控制与监控
*/
package chatgateway
